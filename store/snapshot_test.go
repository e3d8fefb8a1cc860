package store

import (
	"testing"

	"virtualchain.dev/node/consensus"
)

func sampleSnapshot() *Snapshot {
	db := consensus.NewNameDB()
	db.Names["alice.id"] = &consensus.NameRecord{
		Owner:        []byte{0xAA, 0xBB},
		DataHash:     []byte{0x01},
		RegisteredAt: 10,
		ExpiresAt:    1010,
		Namespace:    "id",
	}
	db.Namespaces["id"] = &consensus.NamespaceRecord{
		State:    consensus.NamespaceReady,
		Creator:  []byte{0xCC},
		Lifetime: 1000,
		BaseCost: 100,
		DecayBP:  10000,
	}
	var fp [32]byte
	fp[0] = 0x01
	db.Preorders[fp] = &consensus.PreorderRecord{Sender: []byte{0xDD}, BlockHeight: 5}

	tape := consensus.NewTape(4)
	for h := uint64(0); h < 3; h++ {
		_ = tape.Append(h, [32]byte{byte(h + 1)})
	}
	return &Snapshot{Height: 3, Hash: [32]byte{0x42}, DB: db, Tape: tape}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	snap := sampleSnapshot()
	if err := Save(dir, snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatalf("Load returned nil snapshot")
	}
	if got.Height != 3 {
		t.Fatalf("height=%d, want 3", got.Height)
	}
	rec, ok := got.DB.Names["alice.id"]
	if !ok {
		t.Fatalf("name not restored")
	}
	if rec.ExpiresAt != 1010 || rec.Namespace != "id" {
		t.Fatalf("name record mismatch: %+v", rec)
	}
	if _, ok := got.DB.Namespaces["id"]; !ok {
		t.Fatalf("namespace not restored")
	}
	if len(got.DB.Preorders) != 1 {
		t.Fatalf("expected 1 preorder restored, got %d", len(got.DB.Preorders))
	}
	if got.Tape.Window() != 4 {
		t.Fatalf("tape window=%d, want 4", got.Tape.Window())
	}
	latest, ok := got.Tape.Latest()
	if !ok || latest.Height != 2 {
		t.Fatalf("latest tape entry=%+v ok=%v, want height 2", latest, ok)
	}
}

func TestLoad_MissingPointerReturnsNil(t *testing.T) {
	dir := t.TempDir()
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil snapshot for fresh dir, got %+v", got)
	}
}

func TestSave_OverwritesPointerAtomically(t *testing.T) {
	dir := t.TempDir()
	first := sampleSnapshot()
	first.Height = 1
	if err := Save(dir, first); err != nil {
		t.Fatalf("Save first: %v", err)
	}
	second := sampleSnapshot()
	second.Height = 2
	if err := Save(dir, second); err != nil {
		t.Fatalf("Save second: %v", err)
	}
	got, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Height != 2 {
		t.Fatalf("height=%d, want 2 (pointer should track the latest save)", got.Height)
	}
}
