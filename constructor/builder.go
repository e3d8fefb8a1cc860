// Package constructor is C6: it turns a name-operation request into a
// signed transaction ready for broadcast, the write-side mirror of C1/C5's
// read side. Nothing here is consensus-critical — a malformed or
// underfunded transaction built here simply never gets accepted by C3, so
// this package is free to use ordinary Bitcoin wallet conventions (greedy
// coin selection, a single change output) rather than anything bound by
// spec invariants.
package constructor

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"virtualchain.dev/node/chain"
	"virtualchain.dev/node/consensus"
)

// dustValue is the smallest output value this builder will ever create for
// a payment or change output, mirroring Bitcoin Core's default dust
// threshold for a standard P2PKH output. An output below this is cheaper to
// burn than to ever spend, so the builder folds it into the fee instead.
const dustValue = 546

// minNameOutputValue is the value carried by the "destination" output of a
// transfer transaction — the output C5's extraction step
// (driver/extract.go) reads the new owner's address from. It has no
// consensus meaning beyond "large enough to not be dust".
const minNameOutputValue = 5500

// UTXO is a spendable previous output the caller offers the builder as
// candidate funding, e.g. what the endpoint's UTXOProvider reports for one
// address. Builder does not query a wallet or the chain itself — the
// caller (the endpoint, C7) is responsible for sourcing these, the
// same separation of concerns as PrevOutFetcher on the read side
// (chain/sender.go).
type UTXO struct {
	TxID     [32]byte
	Vout     uint32
	Value    int64
	PkScript []byte
}

// Payment is a non-OP_RETURN output the built transaction must carry,
// e.g. a namespace creator's registration fee or a name's new owner.
type Payment struct {
	Script []byte
	Value  int64
}

// Builder assembles and signs transactions for one chain network. feeRate
// is expressed in satoshis per byte, matching the wallets this scheme was
// modeled after (original_source/blockstore/blockstored.py shells out to a
// bitcoind wallet's sendrawtransaction path; here the construction itself
// is native Go, grounded on the same txscript/wire primitives chain/
// already uses to read transactions in sender.go and payload.go).
type Builder struct {
	params  *chaincfg.Params
	feeRate int64
}

// New returns a Builder for params, charging feeRate satoshis per byte.
func New(params *chaincfg.Params, feeRate int64) *Builder {
	return &Builder{params: params, feeRate: feeRate}
}

// SenderScript returns the standard pay-to-pubkey-hash script for priv's
// address, which the builder pays any change output to. Operations that
// don't name an explicit new owner (update, revoke, namespace operations)
// carry no destination output besides that change.
func (b *Builder) SenderScript(priv *btcec.PrivateKey) ([]byte, error) {
	hash160 := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(hash160, b.params)
	if err != nil {
		return nil, fmt.Errorf("constructor: deriving sender address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

// estimateSize returns a conservative vsize estimate for a legacy
// (non-segwit) transaction with nIn P2PKH inputs and nOut outputs, using
// the textbook per-item byte costs (148 bytes/input, 34 bytes/output, 10
// bytes fixed overhead) that every from-scratch Bitcoin wallet implements
// this same way.
func estimateSize(nIn, nOut int) int64 {
	return int64(10 + nIn*148 + nOut*34)
}

// selectUTXOs greedily accumulates utxos, in the order given, until their
// sum covers want plus the fee for the resulting input/output count
// (holdOutputs is the number of non-change outputs already fixed: the
// OP_RETURN output plus any payments). It returns the selected set and the
// change amount (0 if the change would be dust, in which case it is
// folded into the fee instead).
func (b *Builder) selectUTXOs(utxos []UTXO, want int64, holdOutputs int) ([]UTXO, int64, error) {
	var selected []UTXO
	var sum int64
	for _, u := range utxos {
		selected = append(selected, u)
		sum += u.Value

		feeNoChange := b.feeRate * estimateSize(len(selected), holdOutputs)
		if sum >= want+feeNoChange && sum-want-feeNoChange < dustValue {
			return selected, 0, nil
		}
		feeWithChange := b.feeRate * estimateSize(len(selected), holdOutputs+1)
		if sum >= want+feeWithChange+dustValue {
			return selected, sum - want - feeWithChange, nil
		}
	}
	return nil, 0, errors.New("constructor: insufficient funds for requested outputs and fee")
}

// sign produces a P2PKH signature script for every input, spending
// exactly the UTXOs buildTx selected, in the same order they were added.
func sign(tx *wire.MsgTx, selected []UTXO, priv *btcec.PrivateKey) error {
	for i, u := range selected {
		sigScript, err := txscript.SignatureScript(tx, i, u.PkScript, txscript.SigHashAll, priv, true)
		if err != nil {
			return fmt.Errorf("constructor: signing input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}
	return nil
}

// buildTx is the shared core every Build*Tx entry point uses: embed
// payload in an OP_RETURN output, append payments in order, select and
// spend enough of utxos to cover them plus the fee, add a change output
// back to the sender if one survives dust, then sign every input.
func (b *Builder) buildTx(priv *btcec.PrivateKey, utxos []UTXO, payload []byte, payments []Payment) (*wire.MsgTx, error) {
	opReturn, err := chain.BuildOpReturnScript(payload)
	if err != nil {
		return nil, fmt.Errorf("constructor: building op_return script: %w", err)
	}
	changeScript, err := b.SenderScript(priv)
	if err != nil {
		return nil, err
	}

	var want int64
	for _, p := range payments {
		want += p.Value
	}
	selected, change, err := b.selectUTXOs(utxos, want, 1+len(payments))
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range selected {
		txid := u.TxID
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint((*chainhash.Hash)(&txid), u.Vout), nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(0, opReturn))
	for _, p := range payments {
		tx.AddTxOut(wire.NewTxOut(p.Value, p.Script))
	}
	if change > 0 {
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	if err := sign(tx, selected, priv); err != nil {
		return nil, err
	}
	return tx, nil
}

// serialize produces the raw wire bytes a blocksource-compatible
// broadcaster (e.g. rpcclient.SendRawTransaction) expects.
func serialize(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("constructor: serializing transaction: %w", err)
	}
	return buf.Bytes(), nil
}
