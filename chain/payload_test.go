package chain

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func TestBuildAndExtractPayload_RoundTrip(t *testing.T) {
	payload := []byte{'i', 'd', ':', 1, 2, 3}
	script, err := BuildOpReturnScript(payload)
	if err != nil {
		t.Fatalf("BuildOpReturnScript: %v", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(0, script))

	got, ok := ExtractPayload(tx)
	if !ok {
		t.Fatalf("expected payload to be found")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload=%v, want %v", got, payload)
	}
}

func TestExtractPayload_NoOpReturn(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x76, 0xa9}))
	if _, ok := ExtractPayload(tx); ok {
		t.Fatalf("expected no payload found")
	}
}

func TestExtractPayload_FirstOpReturnWins(t *testing.T) {
	first := []byte("first")
	second := []byte("second")
	s1, _ := BuildOpReturnScript(first)
	s2, _ := BuildOpReturnScript(second)
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(0, s1))
	tx.AddTxOut(wire.NewTxOut(0, s2))

	got, ok := ExtractPayload(tx)
	if !ok {
		t.Fatalf("expected payload to be found")
	}
	if !bytes.Equal(got, first) {
		t.Fatalf("payload=%q, want %q", got, first)
	}
}
