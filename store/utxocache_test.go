package store

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func TestUTXOCache_PutThenPrevOut(t *testing.T) {
	cache, err := OpenUTXOCache(t.TempDir())
	if err != nil {
		t.Fatalf("OpenUTXOCache: %v", err)
	}
	defer cache.Close()

	txid := [32]byte{0x01, 0x02}
	want := wire.NewTxOut(5000, []byte{0x76, 0xa9, 0x14})
	if err := cache.Put(txid, 1, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := cache.PrevOut(txid, 1)
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if got.Value != want.Value {
		t.Fatalf("value=%d, want %d", got.Value, want.Value)
	}
	if string(got.PkScript) != string(want.PkScript) {
		t.Fatalf("pkscript=%v, want %v", got.PkScript, want.PkScript)
	}
}

func TestUTXOCache_MissReturnsFalse(t *testing.T) {
	cache, err := OpenUTXOCache(t.TempDir())
	if err != nil {
		t.Fatalf("OpenUTXOCache: %v", err)
	}
	defer cache.Close()

	if _, ok := cache.PrevOut([32]byte{0xFF}, 0); ok {
		t.Fatalf("expected cache miss")
	}
}

func TestUTXOCache_DistinctVoutsDoNotCollide(t *testing.T) {
	cache, err := OpenUTXOCache(t.TempDir())
	if err != nil {
		t.Fatalf("OpenUTXOCache: %v", err)
	}
	defer cache.Close()

	txid := [32]byte{0xAB}
	a := wire.NewTxOut(1, []byte{0x01})
	b := wire.NewTxOut(2, []byte{0x02})
	if err := cache.Put(txid, 0, a); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := cache.Put(txid, 1, b); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	got0, _ := cache.PrevOut(txid, 0)
	got1, _ := cache.PrevOut(txid, 1)
	if got0.Value != 1 || got1.Value != 2 {
		t.Fatalf("outpoints collided: got0=%v got1=%v", got0, got1)
	}
}
