package endpoint

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/sirupsen/logrus"

	"virtualchain.dev/node/consensus"
	"virtualchain.dev/node/constructor"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(&discardWriter{})
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeState struct {
	height uint64
	db     *consensus.NameDB
	tape   *consensus.Tape
}

func (f *fakeState) Height() uint64             { return f.height }
func (f *fakeState) NameDB() *consensus.NameDB  { return f.db }
func (f *fakeState) Tape() *consensus.Tape      { return f.tape }

type fakeTip struct{ height uint64 }

func (f *fakeTip) TipHeight(ctx context.Context) (uint64, error) { return f.height, nil }

type fakeUTXOProvider struct{}

func (fakeUTXOProvider) UTXOsFor(ctx context.Context, addr btcutil.Address) ([]constructor.UTXO, error) {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	return []constructor.UTXO{{TxID: [32]byte{0x09}, Vout: 0, Value: 100000, PkScript: script}}, nil
}

type fakeBroadcaster struct{ calls int }

func (f *fakeBroadcaster) Broadcast(ctx context.Context, raw []byte) (string, error) {
	f.calls++
	return "deadbeef", nil
}

func newTestServer(t *testing.T) (*Server, *fakeBroadcaster) {
	t.Helper()
	tape := consensus.NewTape(10)
	if err := tape.Append(0, [32]byte{0xEE}); err != nil {
		t.Fatalf("tape.Append: %v", err)
	}
	state := &fakeState{height: 0, db: consensus.NewNameDB(), tape: tape}
	bcast := &fakeBroadcaster{}
	s := NewServer(state, &fakeTip{height: 5}, fakeUTXOProvider{}, bcast, &chaincfg.MainNetParams, 2, testLogger())
	return s, bcast
}

func rawParams(t *testing.T, vals ...interface{}) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal param %d: %v", i, err)
		}
		out[i] = b
	}
	return out
}

func TestServer_Ping(t *testing.T) {
	s, _ := newTestServer(t)
	result, err := handlePing(s, context.Background(), nil)
	if err != nil {
		t.Fatalf("handlePing: %v", err)
	}
	m, ok := result.(map[string]string)
	if !ok || m["status"] != "alive" {
		t.Fatalf("result=%#v", result)
	}
}

func TestServer_Lookup_NotFound(t *testing.T) {
	s, _ := newTestServer(t)
	result, err := handleLookup(s, context.Background(), rawParams(t, "nobody.id"))
	if err != nil {
		t.Fatalf("handleLookup: %v", err)
	}
	m, ok := result.(map[string]string)
	if !ok || m["error"] != "Not found" {
		t.Fatalf("result=%#v", result)
	}
}

func TestServer_Lookup_Found(t *testing.T) {
	s, _ := newTestServer(t)
	s.state.NameDB().Names["gail.id"] = &consensus.NameRecord{Owner: []byte{0x01}, Namespace: "id"}
	result, err := handleLookup(s, context.Background(), rawParams(t, "gail.id"))
	if err != nil {
		t.Fatalf("handleLookup: %v", err)
	}
	rec, ok := result.(*consensus.NameRecord)
	if !ok || rec.Namespace != "id" {
		t.Fatalf("result=%#v", result)
	}
}

func TestServer_NamePrice(t *testing.T) {
	s, _ := newTestServer(t)
	s.state.NameDB().Namespaces["id"] = &consensus.NamespaceRecord{State: consensus.NamespaceReady, BaseCost: 1000, DecayBP: 10000}
	result, err := handleNamePrice(s, context.Background(), rawParams(t, "gail.id"))
	if err != nil {
		t.Fatalf("handleNamePrice: %v", err)
	}
	m, ok := result.(map[string]uint64)
	if !ok || m["price"] != 1000 {
		t.Fatalf("result=%#v", result)
	}
}

func TestServer_NamespacePrice(t *testing.T) {
	s, _ := newTestServer(t)
	result, err := handleNamespacePrice(s, context.Background(), rawParams(t, "ab"))
	if err != nil {
		t.Fatalf("handleNamespacePrice: %v", err)
	}
	m := result.(map[string]uint64)
	if m["price"] != consensus.NamespacePrice("ab") {
		t.Fatalf("result=%#v", result)
	}
}

func TestServer_PreorderThenRegister(t *testing.T) {
	s, bcast := newTestServer(t)
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	hexKey := hex.EncodeToString(priv.Serialize())

	preResult, err := handlePreorder(s, context.Background(), rawParams(t, "gail.id", hexKey))
	if err != nil {
		t.Fatalf("handlePreorder: %v", err)
	}
	if m, ok := preResult.(map[string]string); !ok || m["txid"] == "" {
		t.Fatalf("preorder result=%#v", preResult)
	}
	if bcast.calls != 1 {
		t.Fatalf("broadcast calls=%d, want 1", bcast.calls)
	}

	regResult, err := handleRegister(s, context.Background(), rawParams(t, "gail.id", hexKey))
	if err != nil {
		t.Fatalf("handleRegister: %v", err)
	}
	if m, ok := regResult.(map[string]string); !ok || m["txid"] == "" {
		t.Fatalf("register result=%#v", regResult)
	}
	if bcast.calls != 2 {
		t.Fatalf("broadcast calls=%d, want 2", bcast.calls)
	}
}

func TestServer_Register_WithoutPreorderFails(t *testing.T) {
	s, _ := newTestServer(t)
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	hexKey := hex.EncodeToString(priv.Serialize())
	result, err := handleRegister(s, context.Background(), rawParams(t, "nobody.id", hexKey))
	if err != nil {
		t.Fatalf("handleRegister: %v", err)
	}
	m, ok := result.(map[string]string)
	if !ok || m["error"] == "" {
		t.Fatalf("expected an error result, got %#v", result)
	}
}

func TestServer_Degraded_RefusesWrites(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetDegraded(true)
	priv, _ := btcec.NewPrivateKey()
	hexKey := hex.EncodeToString(priv.Serialize())
	result, err := handlePreorder(s, context.Background(), rawParams(t, "gail.id", hexKey))
	if err != nil {
		t.Fatalf("handlePreorder: %v", err)
	}
	m, ok := result.(map[string]string)
	if !ok || m["error"] == "" {
		t.Fatalf("expected degraded-mode refusal, got %#v", result)
	}
}

func TestServer_GetInfo(t *testing.T) {
	s, _ := newTestServer(t)
	s.state.(*fakeState).height = 500
	result, err := handleGetInfo(s, context.Background(), nil)
	if err != nil {
		t.Fatalf("handleGetInfo: %v", err)
	}
	m, ok := result.(map[string]interface{})
	if !ok {
		t.Fatalf("result=%#v", result)
	}
	if m["blocks"] != uint64(500) {
		t.Fatalf("blocks=%#v, want 500", m["blocks"])
	}
	if m["indexer_height"] != uint64(500) {
		t.Fatalf("indexer_height=%#v, want 500", m["indexer_height"])
	}
	if m["consensus"] == nil {
		t.Fatalf("expected a non-nil consensus hash")
	}
}

func TestServer_Dispatch_UnknownMethod(t *testing.T) {
	s, _ := newTestServer(t)
	result := s.dispatch(context.Background(), []byte(`{"method":"nope","params":[]}`))
	m, ok := result.(map[string]string)
	if !ok || m["error"] == "" {
		t.Fatalf("expected an error for an unknown method, got %#v", result)
	}
}
