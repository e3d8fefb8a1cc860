// Package blocksource is C1: it reads already-finalized blocks from an
// external Bitcoin-like chain. It never re-validates proof-of-work or
// scripts — by the time a block reaches the driver (C5) it is assumed
// final, matching spec §4.1's "a source is a read-only view onto an
// externally-finalized chain."
package blocksource

import (
	"context"

	"virtualchain.dev/node/chain"
)

// Kind distinguishes a transient failure (retry later) from a structural
// one (this block can never be read correctly — driver treats it as
// fatal). Grounded on clients/go/consensus/errors.go's ErrorCode/TxError
// split between "reject" and "fatal" severities, adapted to C1's own
// two-way split (spec §4.1, §7).
type Kind byte

const (
	// KindUnavailable means the source couldn't reach the chain right now
	// (RPC timeout, connection refused, node still syncing) — the driver
	// backs off and retries.
	KindUnavailable Kind = iota
	// KindMalformed means the source reached the chain but the returned
	// data doesn't parse as a valid block — fatal per spec §4.1/§7,
	// since a source is assumed to already hand back consensus-final
	// data.
	KindMalformed
)

// Error reports why a Source call failed.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func unavailable(msg string, err error) *Error { return &Error{Kind: KindUnavailable, Msg: msg, Err: err} }
func malformed(msg string, err error) *Error   { return &Error{Kind: KindMalformed, Msg: msg, Err: err} }

// Source is C1's sole abstraction: something that can report the external
// chain's current tip height and hand back a specific block by height.
// Driver (C5) never talks to an RPC client directly — only through this
// interface — so tests can substitute a fake source (see fake_test.go).
type Source interface {
	// TipHeight returns the height of the highest block the source
	// currently considers final.
	TipHeight(ctx context.Context) (uint64, error)
	// BlockAt returns the block at height, including its hash and parsed
	// transactions, or a *Error describing why it could not.
	BlockAt(ctx context.Context, height uint64) (*chain.Block, error)
}
