// Package store persists C3's committed state durably and atomically
// (spec §5: "after sealing a block, the engine must persist the new state
// before advancing, and recovery after a crash must never observe a
// partially-written snapshot"). Grounded on
// clients/go/node/chainstate.go's write-tmp-then-rename discipline, and on
// clients/go/node/store/db.go's bbolt bucket layout for the UTXO-adjacent
// cache (store/utxocache.go).
package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"virtualchain.dev/node/consensus"
)

const (
	snapshotDiskVersion = 1
	pointerFileName     = "LATEST"
)

// Snapshot is the durable form of C3+C4's state at a given committed
// height: the name database and the tape's retained window, enough to
// resume the driver loop exactly where it left off (spec §5, P6/P7).
type Snapshot struct {
	Height uint64
	Hash   [32]byte // the external chain's block hash at Height
	DB     *consensus.NameDB
	Tape   *consensus.Tape
}

type snapshotDisk struct {
	Version    uint32              `json:"version"`
	Height     uint64              `json:"height"`
	Hash       string              `json:"hash"`
	Names      []nameDiskEntry     `json:"names"`
	Preorders  []preorderDiskEntry `json:"preorders"`
	Namespaces []nsDiskEntry       `json:"namespaces"`
	TapeWindow uint64              `json:"tape_window"`
	Tape       []tapeDiskEntry     `json:"tape"`
}

type nameDiskEntry struct {
	Name                string `json:"name"`
	Owner               string `json:"owner"`
	DataHash            string `json:"data_hash"`
	RegisteredAt        uint64 `json:"registered_at"`
	ExpiresAt           uint64 `json:"expires_at"`
	Namespace           string `json:"namespace"`
	Revoked             bool   `json:"revoked"`
	PreorderFingerprint string `json:"preorder_fingerprint"`
}

type preorderDiskEntry struct {
	Fingerprint   string `json:"fingerprint"`
	Sender        string `json:"sender"`
	BlockHeight   uint64 `json:"block_height"`
	ConsensusHash string `json:"consensus_hash"`
}

type nsDiskEntry struct {
	Namespace      string `json:"namespace"`
	State          byte   `json:"state"`
	Creator        string `json:"creator"`
	Lifetime       uint64 `json:"lifetime"`
	BaseCost       uint64 `json:"base_cost"`
	DecayBP        uint16 `json:"decay_bp"`
	PreorderHeight uint64 `json:"preorder_height"`
	RevealHeight   uint64 `json:"reveal_height"`
	ReadyHeight    uint64 `json:"ready_height"`
	RevealDeadline uint64 `json:"reveal_deadline"`
}

type tapeDiskEntry struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}

// SnapshotPath returns the file a snapshot at height is written to.
func SnapshotPath(dir string, height uint64) string {
	return filepath.Join(dir, fmt.Sprintf("snapshot-%012d.json", height))
}

func pointerPath(dir string) string { return filepath.Join(dir, pointerFileName) }

// Save writes snap to dir as a new file, then atomically repoints the
// pointer file at it (spec §5's two-phase durability requirement: a
// reader must never see a height whose snapshot file isn't fully
// written). The old snapshot file is left in place — callers that want to
// reclaim space call Prune separately, keeping this function a pure
// "commit a new height" step.
func Save(dir string, snap *Snapshot) error {
	if snap == nil || snap.DB == nil {
		return fmt.Errorf("store: nil snapshot")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	disk := toDisk(snap)
	raw, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}
	raw = append(raw, '\n')

	path := SnapshotPath(dir, snap.Height)
	if err := writeFileAtomic(path, raw, 0o600); err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	// The pointer file holds only the file name, not the full path, so a
	// store directory can be moved without invalidating it.
	if err := writeFileAtomic(pointerPath(dir), []byte(filepath.Base(path)+"\n"), 0o600); err != nil {
		return fmt.Errorf("store: write pointer: %w", err)
	}
	return nil
}

// Load reads the snapshot the pointer file currently references. A
// missing pointer file means genesis — the caller starts from an empty
// NameDB, matching chainstate.go's LoadChainState "not found means fresh
// start" behavior.
func Load(dir string) (*Snapshot, error) {
	raw, err := os.ReadFile(pointerPath(dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read pointer: %w", err)
	}
	name := trimNewline(raw)
	snapRaw, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("store: read snapshot %q: %w", name, err)
	}
	var disk snapshotDisk
	if err := json.Unmarshal(snapRaw, &disk); err != nil {
		return nil, fmt.Errorf("store: decode snapshot %q: %w", name, err)
	}
	if disk.Version != snapshotDiskVersion {
		return nil, fmt.Errorf("store: unsupported snapshot version %d", disk.Version)
	}
	return fromDisk(disk)
}

// LoadAt reads the snapshot file for an exact height, bypassing the
// pointer file. The driver's bounded reorg handling (driver/reorg.go)
// uses this to walk back through retained snapshots looking for a common
// ancestor with the chain source's current view, independently of
// whichever height the pointer currently tracks.
func LoadAt(dir string, height uint64) (*Snapshot, error) {
	raw, err := os.ReadFile(SnapshotPath(dir, height))
	if err != nil {
		return nil, err
	}
	var disk snapshotDisk
	if err := json.Unmarshal(raw, &disk); err != nil {
		return nil, fmt.Errorf("store: decode snapshot at height %d: %w", height, err)
	}
	if disk.Version != snapshotDiskVersion {
		return nil, fmt.Errorf("store: unsupported snapshot version %d", disk.Version)
	}
	return fromDisk(disk)
}

// Prune removes snapshot files older than keepAbove, leaving the pointer
// file and every snapshot from keepAbove upward untouched. Nothing in this
// repository calls it: the driver never prunes, so retained snapshot files
// accumulate one per committed height.
func Prune(dir string, keepAbove uint64) error {
	if keepAbove == 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		var h uint64
		if _, err := fmt.Sscanf(e.Name(), "snapshot-%012d.json", &h); err != nil {
			continue
		}
		if h < keepAbove {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func toDisk(snap *Snapshot) snapshotDisk {
	disk := snapshotDisk{
		Version: snapshotDiskVersion,
		Height:  snap.Height,
		Hash:    hex.EncodeToString(snap.Hash[:]),
	}
	for name, rec := range snap.DB.Names {
		disk.Names = append(disk.Names, nameDiskEntry{
			Name:                name,
			Owner:               hex.EncodeToString(rec.Owner),
			DataHash:            hex.EncodeToString(rec.DataHash),
			RegisteredAt:        rec.RegisteredAt,
			ExpiresAt:           rec.ExpiresAt,
			Namespace:           rec.Namespace,
			Revoked:             rec.Revoked,
			PreorderFingerprint: hex.EncodeToString(rec.PreorderFingerprint[:]),
		})
	}
	sort.Slice(disk.Names, func(i, j int) bool { return disk.Names[i].Name < disk.Names[j].Name })

	for fp, pre := range snap.DB.Preorders {
		disk.Preorders = append(disk.Preorders, preorderDiskEntry{
			Fingerprint:   hex.EncodeToString(fp[:]),
			Sender:        hex.EncodeToString(pre.Sender),
			BlockHeight:   pre.BlockHeight,
			ConsensusHash: hex.EncodeToString(pre.ConsensusHash[:]),
		})
	}
	sort.Slice(disk.Preorders, func(i, j int) bool { return disk.Preorders[i].Fingerprint < disk.Preorders[j].Fingerprint })

	for ns, rec := range snap.DB.Namespaces {
		disk.Namespaces = append(disk.Namespaces, nsDiskEntry{
			Namespace:      ns,
			State:          byte(rec.State),
			Creator:        hex.EncodeToString(rec.Creator),
			Lifetime:       rec.Lifetime,
			BaseCost:       rec.BaseCost,
			DecayBP:        rec.DecayBP,
			PreorderHeight: rec.PreorderHeight,
			RevealHeight:   rec.RevealHeight,
			ReadyHeight:    rec.ReadyHeight,
			RevealDeadline: rec.RevealDeadline,
		})
	}
	sort.Slice(disk.Namespaces, func(i, j int) bool { return disk.Namespaces[i].Namespace < disk.Namespaces[j].Namespace })

	if snap.Tape != nil {
		disk.TapeWindow = snap.Tape.Window()
		for _, e := range snap.Tape.Entries() {
			disk.Tape = append(disk.Tape, tapeDiskEntry{Height: e.Height, Hash: hex.EncodeToString(e.Hash[:])})
		}
	}
	return disk
}

func fromDisk(disk snapshotDisk) (*Snapshot, error) {
	db := consensus.NewNameDB()
	for _, e := range disk.Names {
		owner, err := decodeHex("name.owner", e.Owner)
		if err != nil {
			return nil, err
		}
		dataHash, err := decodeHex("name.data_hash", e.DataHash)
		if err != nil {
			return nil, err
		}
		fp, err := decodeHex32("name.preorder_fingerprint", e.PreorderFingerprint)
		if err != nil {
			return nil, err
		}
		db.Names[e.Name] = &consensus.NameRecord{
			Owner:               owner,
			DataHash:            dataHash,
			RegisteredAt:        e.RegisteredAt,
			ExpiresAt:           e.ExpiresAt,
			Namespace:           e.Namespace,
			Revoked:             e.Revoked,
			PreorderFingerprint: fp,
		}
	}
	for _, e := range disk.Preorders {
		fp, err := decodeHex32("preorder.fingerprint", e.Fingerprint)
		if err != nil {
			return nil, err
		}
		sender, err := decodeHex("preorder.sender", e.Sender)
		if err != nil {
			return nil, err
		}
		ch, err := decodeHex32("preorder.consensus_hash", e.ConsensusHash)
		if err != nil {
			return nil, err
		}
		db.Preorders[fp] = &consensus.PreorderRecord{
			Sender:        sender,
			BlockHeight:   e.BlockHeight,
			ConsensusHash: ch,
		}
	}
	for _, e := range disk.Namespaces {
		creator, err := decodeHex("namespace.creator", e.Creator)
		if err != nil {
			return nil, err
		}
		db.Namespaces[e.Namespace] = &consensus.NamespaceRecord{
			State:          consensus.NamespaceState(e.State),
			Creator:        creator,
			Lifetime:       e.Lifetime,
			BaseCost:       e.BaseCost,
			DecayBP:        e.DecayBP,
			PreorderHeight: e.PreorderHeight,
			RevealHeight:   e.RevealHeight,
			ReadyHeight:    e.ReadyHeight,
			RevealDeadline: e.RevealDeadline,
		}
	}

	entries := make([]consensus.TapeEntry, 0, len(disk.Tape))
	for _, e := range disk.Tape {
		h, err := decodeHex32("tape.hash", e.Hash)
		if err != nil {
			return nil, err
		}
		entries = append(entries, consensus.TapeEntry{Height: e.Height, Hash: h})
	}
	tape := consensus.TapeFromEntries(disk.TapeWindow, entries)

	hash, err := decodeHex32("snapshot.hash", disk.Hash)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Height: disk.Height, Hash: hash, DB: db, Tape: tape}, nil
}

func decodeHex(field, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	out, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", field, err)
	}
	return out, nil
}

func decodeHex32(field, value string) ([32]byte, error) {
	var out [32]byte
	raw, err := decodeHex(field, value)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("store: %s: expected 32 bytes, got %d", field, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// writeFileAtomic fsyncs the temp file before the rename, per spec §6's
// "must be fsynced before the pointer is swapped" — rename alone only
// protects against a mid-write crash, not against power loss losing
// buffered writes the rename itself already completed over.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
