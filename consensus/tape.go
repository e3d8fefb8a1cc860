package consensus

import "fmt"

// TapeEntry is one (block_height, consensus_hash) pair (spec §3).
type TapeEntry struct {
	Height uint64
	Hash   [32]byte
}

// Tape holds the sliding window of the last W consensus hashes (spec §4.4).
// It is a pure value: ComputeNext returns a new hash without mutating
// anything, and Append is the only mutator, called once per block by the
// driver (C5) after C3 finishes applying that block's operations.
type Tape struct {
	window  []TapeEntry // ascending by height, len <= W+1
	w       uint64
}

// NewTape builds an empty tape with the given window size W (spec §3/§4.4).
func NewTape(w uint64) *Tape {
	if w == 0 {
		w = 1
	}
	return &Tape{w: w}
}

func (t *Tape) clone() *Tape {
	if t == nil {
		return nil
	}
	cp := &Tape{w: t.w, window: make([]TapeEntry, len(t.window))}
	copy(cp.window, t.window)
	return cp
}

// Window returns W, the maximum allowed age of a committed consensus hash.
func (t *Tape) Window() uint64 { return t.w }

// Latest returns the most recently appended entry, if any.
func (t *Tape) Latest() (TapeEntry, bool) {
	if t == nil || len(t.window) == 0 {
		return TapeEntry{}, false
	}
	return t.window[len(t.window)-1], true
}

// At returns the consensus hash recorded at exactly the given height.
func (t *Tape) At(height uint64) ([32]byte, bool) {
	if t == nil {
		return [32]byte{}, false
	}
	for _, e := range t.window {
		if e.Height == height {
			return e.Hash, true
		}
	}
	return [32]byte{}, false
}

// InWindow reports whether a consensus hash a client committed to at
// commitHeight is still acceptable at currentHeight — i.e. no older than W
// blocks (spec §4.4, P5) — and that it actually matches what this replica
// recorded at that height.
func (t *Tape) InWindow(p CryptoProvider, committed [32]byte, commitHeight, currentHeight uint64) bool {
	if t == nil {
		return false
	}
	if currentHeight < commitHeight {
		return false
	}
	if currentHeight-commitHeight > t.w {
		return false
	}
	got, ok := t.At(commitHeight)
	if !ok {
		return false
	}
	return got == committed
}

// ComputeNext computes consensus_hash[h] = H(serialize(accepted_ops) ||
// consensus_hash[h-1] || consensus_hash[h-W]) per spec §4.4. canonicalOps is
// the concatenation of every accepted operation's canonical bytes, in
// transaction order. An empty tape means height is this engine's genesis
// (whatever height that is — block 0 on a fresh chain, or a configured
// nonzero start_block when resuming a namespace overlay partway into an
// already-final external chain): both references are zero in that case,
// the same way they are for height 0 on a from-scratch tape. A reference
// that falls before genesis (height-W < the first appended height) is
// likewise zero rather than an error — there is no hash recorded there.
func (t *Tape) ComputeNext(p CryptoProvider, height uint64, canonicalOps []byte) ([32]byte, error) {
	if t == nil {
		return [32]byte{}, fmt.Errorf("tape: nil")
	}
	var prev, windowed [32]byte
	if len(t.window) > 0 {
		v, ok := t.At(height - 1)
		if !ok {
			return [32]byte{}, fmt.Errorf("tape: missing consensus_hash for height %d", height-1)
		}
		prev = v
		if height >= t.w {
			if v, ok := t.At(height - t.w); ok {
				windowed = v
			}
		}
	}
	buf := make([]byte, 0, len(canonicalOps)+64)
	buf = append(buf, canonicalOps...)
	buf = append(buf, prev[:]...)
	buf = append(buf, windowed[:]...)
	return p.Hash256(buf), nil
}

// Append records the consensus hash for height, evicting entries older than
// W blocks back from that height. Heights must be appended in strictly
// increasing order (the driver guarantees this: C5 never skips or reorders
// blocks); the first append establishes this engine's genesis height,
// which need not be 0 — a driver configured with a nonzero start_block
// appends its first entry there.
func (t *Tape) Append(height uint64, hash [32]byte) error {
	if t == nil {
		return fmt.Errorf("tape: nil")
	}
	if len(t.window) > 0 && t.window[len(t.window)-1].Height+1 != height {
		return fmt.Errorf("tape: non-contiguous append, last=%d next=%d", t.window[len(t.window)-1].Height, height)
	}
	t.window = append(t.window, TapeEntry{Height: height, Hash: hash})
	// Retain at least the last W entries (spec §3: "retains at least the
	// last W entries"); keep one extra so InWindow's h-W lookup always
	// succeeds for the freshest height.
	keepFrom := 0
	if uint64(len(t.window)) > t.w+1 {
		keepFrom = len(t.window) - int(t.w+1)
	}
	t.window = t.window[keepFrom:]
	return nil
}

// Entries returns a defensive copy of the retained window, for snapshotting.
func (t *Tape) Entries() []TapeEntry {
	if t == nil {
		return nil
	}
	out := make([]TapeEntry, len(t.window))
	copy(out, t.window)
	return out
}

// TapeFromEntries rebuilds a Tape from a snapshot's retained entries.
func TapeFromEntries(w uint64, entries []TapeEntry) *Tape {
	t := NewTape(w)
	t.window = append([]TapeEntry(nil), entries...)
	return t
}
