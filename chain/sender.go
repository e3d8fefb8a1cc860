package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PrevOutFetcher resolves the TxOut being spent by a transaction input,
// given the outpoint it references. store.UTXOCache implements this; the
// driver (C5) is the only caller, during extraction (spec §4.2: "the
// sender is recovered from the address associated with the transaction's
// first input").
type PrevOutFetcher interface {
	PrevOut(txid [32]byte, vout uint32) (*wire.TxOut, bool)
}

// SenderAddress recovers the raw owner-address bytes (the standard
// hash160, or equivalent, encoded inside the spent pkScript) for the
// address that controls tx's first input. This is deliberately narrow: it
// only needs enough of Bitcoin's script semantics to identify a P2PKH or
// P2WPKH destination address, matching what Blockstack's original
// implementation used for "sender" (original_source/blockstore/blockstored.py
// resolves senders the same way, via the first input's previous output).
func SenderAddress(tx *wire.MsgTx, prevOuts PrevOutFetcher, params *chaincfg.Params) ([]byte, error) {
	if len(tx.TxIn) == 0 {
		return nil, fmt.Errorf("chain: transaction has no inputs")
	}
	in := tx.TxIn[0]
	prev, ok := prevOuts.PrevOut([32]byte(in.PreviousOutPoint.Hash), in.PreviousOutPoint.Index)
	if !ok {
		return nil, fmt.Errorf("chain: missing previous output for %s:%d", in.PreviousOutPoint.Hash, in.PreviousOutPoint.Index)
	}
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(prev.PkScript, params)
	if err != nil {
		return nil, fmt.Errorf("chain: extracting sender address: %w", err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("chain: previous output script has no recoverable address")
	}
	return addrs[0].ScriptAddress(), nil
}
