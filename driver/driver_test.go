package driver

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"virtualchain.dev/node/blocksource"
	"virtualchain.dev/node/chain"
	"virtualchain.dev/node/consensus"
	"virtualchain.dev/node/store"
)

type fakeSrc struct {
	blocks map[uint64]*chain.Block
	tip    uint64
}

func (f *fakeSrc) TipHeight(ctx context.Context) (uint64, error) { return f.tip, nil }

func (f *fakeSrc) BlockAt(ctx context.Context, height uint64) (*chain.Block, error) {
	b, ok := f.blocks[height]
	if !ok {
		return nil, &blocksource.Error{Kind: blocksource.KindMalformed, Msg: "fake: no block"}
	}
	return b, nil
}

var _ blocksource.Source = (*fakeSrc)(nil)

// testAddr returns an address's raw owner bytes (what chain.SenderAddress
// recovers) and a standard pay-to-pubkey-hash script paying it, so tests
// can build realistic transactions without a live wallet.
func testAddr(t *testing.T) (ownerBytes []byte, pkScript []byte) {
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
	return hash160, script
}

// makeBlock builds a block chaining from prev's hash (zero for genesis),
// matching whatever d.tipHash will be after the driver commits prev, so
// step() never mistakes consecutive test blocks for a reorg.
func makeBlock(t *testing.T, height uint64, prev *chain.Block, txs []*wire.MsgTx) *chain.Block {
	t.Helper()
	header := wire.BlockHeader{Nonce: uint32(height)}
	if prev != nil {
		header.PrevBlock = chainhash.Hash(prev.Hash)
	}
	msg := wire.NewMsgBlock(&header)
	for _, tx := range txs {
		msg.AddTransaction(tx)
	}
	hashVal := msg.Header.BlockHash()
	return &chain.Block{Height: height, Header: msg.Header, Hash: [32]byte(hashVal), Msg: msg}
}

func opReturnTx(t *testing.T, prevTxid [32]byte, prevVout uint32, payload []byte, destScript []byte) *wire.MsgTx {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint((*chainhash.Hash)(&prevTxid), prevVout), nil, nil))
	opReturn, err := chain.BuildOpReturnScript(payload)
	if err != nil {
		t.Fatalf("BuildOpReturnScript: %v", err)
	}
	tx.AddTxOut(wire.NewTxOut(0, opReturn))
	tx.AddTxOut(wire.NewTxOut(5000, destScript))
	return tx
}

func newTestDriver(t *testing.T, src *fakeSrc) *Driver {
	t.Helper()
	dir := t.TempDir()
	cache, err := store.OpenUTXOCache(dir)
	if err != nil {
		t.Fatalf("OpenUTXOCache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	cfg := Config{
		Consensus:   consensus.Config{ConsensusWindowW: 10, PreorderTTL: 5, NSPreorderTTL: 5},
		ChainParams: &chaincfg.MainNetParams,
		ReorgDepth:  10,
	}
	d, err := New(src, dir, cache, consensus.StdProvider{}, cfg, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	d.db.Namespaces["id"] = &consensus.NamespaceRecord{
		State:    consensus.NamespaceReady,
		Creator:  []byte{0x01},
		Lifetime: 1000,
		BaseCost: 100,
		DecayBP:  10000,
	}
	return d
}

func TestDriver_PreorderThenRegisterAcrossBlocks(t *testing.T) {
	owner, pkScript := testAddr(t)

	seedTxid := [32]byte{0xAA}
	src := &fakeSrc{blocks: map[uint64]*chain.Block{}}
	d := newTestDriver(t, src)
	// Seed a spendable prevout for block 0's transaction, standing in for
	// an already-confirmed funding transaction this test doesn't model.
	if err := d.cache.Put(seedTxid, 0, wire.NewTxOut(10000, pkScript)); err != nil {
		t.Fatalf("seed Put: %v", err)
	}

	// height 0: no name-ops, just establishes consensus_hash[0].
	src.blocks[0] = makeBlock(t, 0, nil, nil)
	src.tip = 0

	ctx := context.Background()
	advanced, err := d.step(ctx)
	if err != nil || !advanced {
		t.Fatalf("step height0: advanced=%v err=%v", advanced, err)
	}
	if d.height != 0 {
		t.Fatalf("height=%d, want 0", d.height)
	}

	committedHeight := uint32(0)
	consensusHash, ok := d.tape.At(0)
	if !ok {
		t.Fatalf("expected tape entry at height 0")
	}
	var salt [3]byte
	preorderOp := consensus.NewPreorderOp(consensus.StdProvider{}, "gail.id", salt, consensusHash, committedHeight)
	preorderTx := opReturnTx(t, seedTxid, 0, preorderOp.Encode(), pkScript)

	src.blocks[1] = makeBlock(t, 1, src.blocks[0], []*wire.MsgTx{preorderTx})
	src.tip = 1
	advanced, err = d.step(ctx)
	if err != nil || !advanced {
		t.Fatalf("step height1 (preorder): advanced=%v err=%v", advanced, err)
	}
	fp := consensus.PreorderFingerprint(consensus.StdProvider{}, "gail.id", salt[:], consensusHash)
	if _, exists := d.db.Preorders[fp]; !exists {
		t.Fatalf("preorder not recorded after block 1")
	}

	preorderTxid := [32]byte(preorderTx.TxHash())
	regOp, ok := consensus.NewRegisterOp("gail.id", salt, committedHeight)
	if !ok {
		t.Fatalf("NewRegisterOp rejected valid name")
	}
	regTx := opReturnTx(t, preorderTxid, 1, regOp.Encode(), pkScript)
	src.blocks[2] = makeBlock(t, 2, src.blocks[1], []*wire.MsgTx{regTx})
	src.tip = 2
	advanced, err = d.step(ctx)
	if err != nil || !advanced {
		t.Fatalf("step height2 (register): advanced=%v err=%v", advanced, err)
	}

	rec, exists := d.db.Names["gail.id"]
	if !exists {
		t.Fatalf("name not registered after block 2")
	}
	if string(rec.Owner) != string(owner) {
		t.Fatalf("owner=%x, want %x", rec.Owner, owner)
	}
	if rec.Namespace != "id" {
		t.Fatalf("namespace=%q, want id", rec.Namespace)
	}

	reloaded, err := store.Load(d.storeDir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Height != 2 {
		t.Fatalf("persisted height=%d, want 2", reloaded.Height)
	}
	if _, ok := reloaded.DB.Names["gail.id"]; !ok {
		t.Fatalf("persisted snapshot missing the registered name")
	}
}

func TestDriver_NoNewBlocksDoesNotAdvance(t *testing.T) {
	src := &fakeSrc{blocks: map[uint64]*chain.Block{0: makeBlock(t, 0, nil, nil)}, tip: 0}
	d := newTestDriver(t, src)

	advanced, err := d.step(context.Background())
	if err != nil || !advanced {
		t.Fatalf("first step: advanced=%v err=%v", advanced, err)
	}
	advanced, err = d.step(context.Background())
	if err != nil {
		t.Fatalf("second step: err=%v", err)
	}
	if advanced {
		t.Fatalf("expected no advance when tip hasn't moved past committed height")
	}
}
