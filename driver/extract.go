package driver

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"virtualchain.dev/node/chain"
	"virtualchain.dev/node/consensus"
)

// ExtractOperation turns one transaction into a candidate consensus
// operation plus its sender, or reports ok=false if tx carries nothing
// recognizable (no embedded payload, an unparseable one, or a sender that
// can't be recovered). It never returns an error: per spec §4.2, only a
// source-level failure to fetch a block at all is fatal — a single
// uninteresting or malformed transaction inside an otherwise well-formed
// block is simply skipped, the same way the teacher's
// clients/go/consensus/validate.go skips non-Rubin transactions it finds
// mixed into a block.
func ExtractOperation(tx *wire.MsgTx, prevOuts chain.PrevOutFetcher, params *chaincfg.Params) (consensus.Operation, []byte, bool) {
	raw, found := chain.ExtractPayload(tx)
	if !found {
		return nil, nil, false
	}
	op, reject := consensus.ParsePayload(raw)
	if reject != "" {
		return nil, nil, false
	}
	sender, err := chain.SenderAddress(tx, prevOuts, params)
	if err != nil {
		return nil, nil, false
	}
	if transfer, ok := op.(*consensus.TransferOp); ok {
		dest, ok := transferDestination(tx, params)
		if !ok {
			return nil, nil, false
		}
		transfer.NewOwner = dest
	}
	return op, sender, true
}

// transferDestination recovers the address a transfer operation moves a
// name to: the first output's address other than the OP_RETURN output
// itself, matching the wire layout pinned in SPEC_FULL.md §6 (the new
// owner travels as an output's address, not in the payload).
func transferDestination(tx *wire.MsgTx, params *chaincfg.Params) ([]byte, bool) {
	for _, out := range tx.TxOut {
		if isOpReturn(out.PkScript) {
			continue
		}
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, params)
		if err != nil || len(addrs) == 0 {
			continue
		}
		return addrs[0].ScriptAddress(), true
	}
	return nil, false
}

func isOpReturn(pkScript []byte) bool {
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	return tokenizer.Next() && tokenizer.Opcode() == txscript.OP_RETURN
}
