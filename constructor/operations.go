package constructor

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"virtualchain.dev/node/consensus"
)

// BuildPreorderTx embeds a name preorder committed against consensusHash
// (recorded at committedHeight so C3 can re-derive it deterministically —
// see the comment above the field-width constants in consensus/codec.go).
// The sender pays only
// the network fee; the preorder itself carries no payment, matching spec
// §4.3/§6.
func (b *Builder) BuildPreorderTx(priv *btcec.PrivateKey, utxos []UTXO, name string, salt [3]byte, consensusHash [32]byte, committedHeight uint32) ([]byte, error) {
	op := consensus.NewPreorderOp(consensus.StdProvider{}, name, salt, consensusHash, committedHeight)
	tx, err := b.buildTx(priv, utxos, op.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return serialize(tx)
}

// BuildRegisterTx embeds a register payload revealing the name/salt a
// prior preorder committed to. If ns is non-nil and ready, the transaction
// also pays NamePrice(ns, name) to creatorScript (spec §4.6). Neither the
// driver (C5) nor the state engine (C3) inspects payment outputs, so a
// register is accepted whether or not it carries this payment; the
// payment is added only by this builder.
func (b *Builder) BuildRegisterTx(priv *btcec.PrivateKey, utxos []UTXO, name string, salt [3]byte, committedHeight uint32, ns *consensus.NamespaceRecord, creatorScript []byte) ([]byte, error) {
	op, ok := consensus.NewRegisterOp(name, salt, committedHeight)
	if !ok {
		return nil, fmt.Errorf("constructor: name %q too long for a register operation", name)
	}
	var payments []Payment
	if ns != nil && ns.State == consensus.NamespaceReady {
		if price := consensus.NamePrice(ns, name); price > 0 {
			payments = append(payments, Payment{Script: creatorScript, Value: int64(price)})
		}
	}
	tx, err := b.buildTx(priv, utxos, op.Encode(), payments)
	if err != nil {
		return nil, err
	}
	return serialize(tx)
}

// BuildUpdateTx embeds a data-hash update for name. dataHash is the
// truncated hash of the off-chain zone file content this name now points
// to (spec §4.3's "update" operation).
func (b *Builder) BuildUpdateTx(priv *btcec.PrivateKey, utxos []UTXO, name string, dataHash [10]byte) ([]byte, error) {
	op, ok := consensus.NewUpdateOp(name, dataHash)
	if !ok {
		return nil, fmt.Errorf("constructor: name %q too long for an update operation", name)
	}
	tx, err := b.buildTx(priv, utxos, op.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return serialize(tx)
}

// BuildTransferTx embeds a transfer of name to newOwnerScript. The new
// owner is recovered by C5 from the destination output, not from the
// payload itself (see the comment on TransferOp's NewOwner field) — so this builder adds a
// minNameOutputValue output to newOwnerScript alongside the OP_RETURN.
func (b *Builder) BuildTransferTx(priv *btcec.PrivateKey, utxos []UTXO, name string, keepData bool, newOwnerScript []byte) ([]byte, error) {
	op, ok := consensus.NewTransferOp(name, keepData)
	if !ok {
		return nil, fmt.Errorf("constructor: name %q too long for a transfer operation", name)
	}
	tx, err := b.buildTx(priv, utxos, op.Encode(), []Payment{{Script: newOwnerScript, Value: minNameOutputValue}})
	if err != nil {
		return nil, err
	}
	return serialize(tx)
}

// BuildRevokeTx embeds a revocation of name, permanently retiring it.
func (b *Builder) BuildRevokeTx(priv *btcec.PrivateKey, utxos []UTXO, name string) ([]byte, error) {
	op, ok := consensus.NewRevokeOp(name)
	if !ok {
		return nil, fmt.Errorf("constructor: name %q too long for a revoke operation", name)
	}
	tx, err := b.buildTx(priv, utxos, op.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return serialize(tx)
}

// BuildNamespacePreorderTx mirrors BuildPreorderTx for a namespace, which
// shares the same fingerprint-commitment scheme (PreorderFingerprint is
// parameterized on either a name or a namespace string).
func (b *Builder) BuildNamespacePreorderTx(priv *btcec.PrivateKey, utxos []UTXO, namespace string, salt [3]byte, consensusHash [32]byte, committedHeight uint32) ([]byte, error) {
	op := consensus.NewNamespacePreorderOp(consensus.StdProvider{}, namespace, salt, consensusHash, committedHeight)
	tx, err := b.buildTx(priv, utxos, op.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return serialize(tx)
}

// BuildNamespaceRevealTx embeds the pricing parameters a namespace
// preorder is about to reveal (spec §4.5): lifetime, base_cost, and the
// cost-decay rate, expressed in basis points.
func (b *Builder) BuildNamespaceRevealTx(priv *btcec.PrivateKey, utxos []UTXO, namespace string, salt [3]byte, committedHeight uint32, lifetime uint16, baseCost uint32, decayBP uint16) ([]byte, error) {
	op, ok := consensus.NewNamespaceRevealOp(namespace, salt, committedHeight, lifetime, baseCost, decayBP)
	if !ok {
		return nil, fmt.Errorf("constructor: namespace %q too long for a reveal operation", namespace)
	}
	tx, err := b.buildTx(priv, utxos, op.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return serialize(tx)
}

// BuildNamespaceReadyTx launches namespace, opening it for registrations.
func (b *Builder) BuildNamespaceReadyTx(priv *btcec.PrivateKey, utxos []UTXO, namespace string) ([]byte, error) {
	op, ok := consensus.NewNamespaceReadyOp(namespace)
	if !ok {
		return nil, fmt.Errorf("constructor: namespace %q too long for a ready operation", namespace)
	}
	tx, err := b.buildTx(priv, utxos, op.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return serialize(tx)
}
