package driver

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"

	"virtualchain.dev/node/chain"
	"virtualchain.dev/node/consensus"
	"virtualchain.dev/node/store"
)

func TestDriver_ReorgRewindsToCommonAncestor(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cache, err := store.OpenUTXOCache(dir)
	if err != nil {
		t.Fatalf("OpenUTXOCache: %v", err)
	}
	defer cache.Close()

	cfg := Config{
		Consensus:   consensus.Config{ConsensusWindowW: 10, PreorderTTL: 5, NSPreorderTTL: 5},
		ChainParams: &chaincfg.MainNetParams,
		ReorgDepth:  10,
	}
	d, err := New(&fakeSrc{}, dir, cache, consensus.StdProvider{}, cfg, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	block0 := makeBlock(t, 0, nil, nil)
	if err := d.applyBlock(block0); err != nil {
		t.Fatalf("applyBlock(0): %v", err)
	}
	staleBlock1 := makeBlock(t, 1, block0, nil)
	if err := d.applyBlock(staleBlock1); err != nil {
		t.Fatalf("applyBlock(1, stale): %v", err)
	}
	if d.height != 1 || d.tipHash != staleBlock1.Hash {
		t.Fatalf("driver did not commit the stale chain's tip as expected")
	}

	// A competing block 1 with a different nonce displaces the one the
	// driver already committed — same parent (block0), different hash.
	freshBlock1 := &chain.Block{Height: 1}
	*freshBlock1 = *makeBlock(t, 1, block0, nil)
	freshBlock1.Header.Nonce = staleBlock1.Header.Nonce + 1000
	freshBlock1.Hash = [32]byte(freshBlock1.Header.BlockHash())

	src := &fakeSrc{blocks: map[uint64]*chain.Block{
		0: block0,
		1: freshBlock1,
	}, tip: 1}
	d.src = src

	if err := d.reorgTo(ctx, freshBlock1); err != nil {
		t.Fatalf("reorgTo: %v", err)
	}
	if d.height != 1 {
		t.Fatalf("height=%d, want 1", d.height)
	}
	if d.tipHash != freshBlock1.Hash {
		t.Fatalf("tipHash did not switch to the fresh chain's block 1")
	}

	reloaded, err := store.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Hash != freshBlock1.Hash {
		t.Fatalf("persisted snapshot still points at the stale chain")
	}
}

func TestDriver_FindForkPoint_FallsBackToGenesis(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cache, err := store.OpenUTXOCache(dir)
	if err != nil {
		t.Fatalf("OpenUTXOCache: %v", err)
	}
	defer cache.Close()

	cfg := Config{
		Consensus:  consensus.Config{ConsensusWindowW: 10, PreorderTTL: 5, NSPreorderTTL: 5},
		ReorgDepth: 10,
	}
	d, err := New(&fakeSrc{}, dir, cache, consensus.StdProvider{}, cfg, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	block0 := makeBlock(t, 0, nil, nil)
	if err := d.applyBlock(block0); err != nil {
		t.Fatalf("applyBlock(0): %v", err)
	}

	differentBlock0 := &chain.Block{}
	*differentBlock0 = *block0
	differentBlock0.Header.Nonce = block0.Header.Nonce + 1
	differentBlock0.Hash = [32]byte(differentBlock0.Header.BlockHash())
	d.src = &fakeSrc{blocks: map[uint64]*chain.Block{0: differentBlock0}}

	ancestor, err := d.findForkPoint(ctx, differentBlock0)
	if err != nil {
		t.Fatalf("findForkPoint: %v", err)
	}
	if ancestor != 0 {
		t.Fatalf("ancestor=%d, want 0 (genesis fallback)", ancestor)
	}
}
