package constructor

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"virtualchain.dev/node/chain"
	"virtualchain.dev/node/consensus"
)

func testKeyAndScript(t *testing.T) (*btcec.PrivateKey, []byte) {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	hash160 := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressPubKeyHash(hash160, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewAddressPubKeyHash: %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}
	return priv, script
}

func decodeTx(t *testing.T, raw []byte) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	return tx
}

func TestBuilder_BuildPreorderTx_SpendsAndSigns(t *testing.T) {
	priv, script := testKeyAndScript(t)
	b := New(&chaincfg.MainNetParams, 2)

	utxos := []UTXO{{TxID: [32]byte{0x01}, Vout: 0, Value: 20000, PkScript: script}}
	var salt [3]byte
	raw, err := b.BuildPreorderTx(priv, utxos, "gail.id", salt, [32]byte{0xAB}, 10)
	if err != nil {
		t.Fatalf("BuildPreorderTx: %v", err)
	}

	tx := decodeTx(t, raw)
	if len(tx.TxIn) != 1 {
		t.Fatalf("len(TxIn)=%d, want 1", len(tx.TxIn))
	}
	if len(tx.TxIn[0].SignatureScript) == 0 {
		t.Fatalf("input was not signed")
	}
	payload, ok := chain.ExtractPayload(tx)
	if !ok {
		t.Fatalf("no OP_RETURN payload found")
	}
	op, reject := consensus.ParsePayload(payload)
	if reject != "" {
		t.Fatalf("payload rejected: %s", reject)
	}
	if _, ok := op.(*consensus.PreorderOp); !ok {
		t.Fatalf("op type = %T, want *PreorderOp", op)
	}
	// One OP_RETURN output plus a change output, no payment output.
	if len(tx.TxOut) != 2 {
		t.Fatalf("len(TxOut)=%d, want 2 (op_return + change)", len(tx.TxOut))
	}
}

func TestBuilder_BuildRegisterTx_PaysNamespaceCreator(t *testing.T) {
	priv, script := testKeyAndScript(t)
	_, creatorScript := testKeyAndScript(t)
	b := New(&chaincfg.MainNetParams, 2)

	utxos := []UTXO{{TxID: [32]byte{0x02}, Vout: 1, Value: 50000, PkScript: script}}
	var salt [3]byte
	ns := &consensus.NamespaceRecord{State: consensus.NamespaceReady, BaseCost: 1000, DecayBP: 10000}

	raw, err := b.BuildRegisterTx(priv, utxos, "gail.id", salt, 10, ns, creatorScript)
	if err != nil {
		t.Fatalf("BuildRegisterTx: %v", err)
	}
	tx := decodeTx(t, raw)
	// op_return + payment-to-creator + change.
	if len(tx.TxOut) != 3 {
		t.Fatalf("len(TxOut)=%d, want 3", len(tx.TxOut))
	}
	if tx.TxOut[1].Value != int64(consensus.NamePrice(ns, "gail.id")) {
		t.Fatalf("payment value=%d, want %d", tx.TxOut[1].Value, consensus.NamePrice(ns, "gail.id"))
	}
}

func TestBuilder_BuildTransferTx_PaysNewOwner(t *testing.T) {
	priv, script := testKeyAndScript(t)
	_, destScript := testKeyAndScript(t)
	b := New(&chaincfg.MainNetParams, 2)

	utxos := []UTXO{{TxID: [32]byte{0x03}, Vout: 0, Value: 30000, PkScript: script}}
	raw, err := b.BuildTransferTx(priv, utxos, "gail.id", true, destScript)
	if err != nil {
		t.Fatalf("BuildTransferTx: %v", err)
	}
	tx := decodeTx(t, raw)
	if len(tx.TxOut) < 2 {
		t.Fatalf("len(TxOut)=%d, want at least 2", len(tx.TxOut))
	}
	if tx.TxOut[1].Value != minNameOutputValue {
		t.Fatalf("destination value=%d, want %d", tx.TxOut[1].Value, minNameOutputValue)
	}
}

func TestBuilder_SelectUTXOs_InsufficientFunds(t *testing.T) {
	_, script := testKeyAndScript(t)
	b := New(&chaincfg.MainNetParams, 10)
	utxos := []UTXO{{TxID: [32]byte{0x04}, Vout: 0, Value: 100, PkScript: script}}
	if _, _, err := b.selectUTXOs(utxos, 1000, 1); err == nil {
		t.Fatalf("expected insufficient funds error")
	}
}

func TestBuilder_NameTooLongRejected(t *testing.T) {
	priv, script := testKeyAndScript(t)
	b := New(&chaincfg.MainNetParams, 2)
	utxos := []UTXO{{TxID: [32]byte{0x05}, Vout: 0, Value: 20000, PkScript: script}}
	longName := make([]byte, 64)
	for i := range longName {
		longName[i] = 'a'
	}
	if _, err := b.BuildRevokeTx(priv, utxos, string(longName)); err == nil {
		t.Fatalf("expected error for an over-length name")
	}
}
