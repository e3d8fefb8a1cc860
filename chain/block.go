// Package chain models the Bitcoin-like external chain this repo reads
// from (C1): blocks and transactions as defined by btcd's wire format, plus
// the handful of domain-specific operations on top of them (recovering a
// sender address, extracting an embedded name-operation payload) that C5's
// driver and C6's constructor need.
package chain

import (
	"github.com/btcsuite/btcd/wire"
)

// Block pairs a parsed wire block with the height the chain itself has
// assigned it, which blocksource.Source is responsible for filling in
// (spec §4.1 — a source only ever returns finalized, already-consensus-valid
// blocks; this repo never re-validates proof-of-work or scripts).
type Block struct {
	Height uint64
	Header wire.BlockHeader
	Hash   [32]byte
	Msg    *wire.MsgBlock
}

// Transactions is a convenience accessor matching the teacher's
// Block.Transactions field shape (clients/go/consensus/tx.go).
func (b *Block) Transactions() []*wire.MsgTx {
	if b.Msg == nil {
		return nil
	}
	out := make([]*wire.MsgTx, len(b.Msg.Transactions))
	for i, tx := range b.Msg.Transactions {
		out[i] = tx
	}
	return out
}
