// Package driver is C5: it drives the whole replay loop — fetch a block
// from C1, extract candidate operations, apply them to C3 in order,
// seal the block's consensus hash via C4, persist the result, and advance
// — retrying on transient failure and stopping (fatal) on anything that
// indicates the chain or the local store can no longer be trusted (spec
// §4.5, §7). Grounded on clients/go/node/sync.go's engine-holds-config
// shape and clients/go/node/main.go's run-loop/backoff structure.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"

	"virtualchain.dev/node/blocksource"
	"virtualchain.dev/node/chain"
	"virtualchain.dev/node/consensus"
	"virtualchain.dev/node/store"
)

// Config holds C5's own knobs, on top of consensus.Config's consensus-
// critical ones (spec §6: retry/backoff belong to the driver, not to
// consensus, since they affect liveness, never the derived state itself).
type Config struct {
	Consensus      consensus.Config
	ChainParams    *chaincfg.Params
	PollInterval   time.Duration
	RetryBackoff   time.Duration
	MaxRetryBackoff time.Duration
	ReorgDepth     uint64 // max blocks the driver will roll back looking for a common ancestor
	StartHeight    uint64
}

// FatalError wraps any error the driver cannot recover from by retrying —
// a malformed block from a source that's supposed to only hand back
// finalized data, or a failed persist (spec §7: "a fatal error halts the
// driver; the endpoint keeps serving the last durably-committed state").
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("driver: fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Driver runs the replay loop against a single name database, sourced
// from src and persisted under storeDir. Height/Tip/NameDB expose the
// current in-memory committed state so the endpoint (C7) can read it
// without a second copy living anywhere.
type Driver struct {
	src      blocksource.Source
	storeDir string
	cache    *store.UTXOCache
	crypto   consensus.CryptoProvider
	cfg      Config
	log      *logrus.Entry

	height  uint64
	tipHash [32]byte
	db      *consensus.NameDB
	tape    *consensus.Tape
}

// New constructs a driver and loads whatever snapshot already exists on
// disk, resuming from there (spec §5: "a restarted daemon must resume
// from its last durably-committed height, never from genesis, unless no
// snapshot exists").
func New(src blocksource.Source, storeDir string, cache *store.UTXOCache, crypto consensus.CryptoProvider, cfg Config, log *logrus.Entry) (*Driver, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 1 * time.Second
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = 2 * time.Minute
	}
	if cfg.ReorgDepth == 0 {
		cfg.ReorgDepth = cfg.Consensus.ConsensusWindowW
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	snap, err := store.Load(storeDir)
	if err != nil {
		return nil, fmt.Errorf("driver: loading snapshot: %w", err)
	}
	d := &Driver{src: src, storeDir: storeDir, cache: cache, crypto: crypto, cfg: cfg, log: log}
	if snap == nil {
		d.height = cfg.StartHeight
		d.db = consensus.NewNameDB()
		d.tape = consensus.NewTape(cfg.Consensus.ConsensusWindowW)
	} else {
		d.height = snap.Height
		d.tipHash = snap.Hash
		d.db = snap.DB
		d.tape = snap.Tape
	}
	return d, nil
}

// Height returns the last height this driver has durably committed.
func (d *Driver) Height() uint64 { return d.height }

// NameDB returns the current committed state. Callers (the endpoint) must
// treat it as read-only: Apply never mutates a *NameDB in place, so this
// is always safe to read concurrently with the driver's own loop.
func (d *Driver) NameDB() *consensus.NameDB { return d.db }

// Tape returns the current consensus-hash window.
func (d *Driver) Tape() *consensus.Tape { return d.tape }

// Run drives the replay loop until ctx is canceled or a fatal error
// occurs. A transient (blocksource.KindUnavailable) error backs off with
// exponential delay bounded by cfg.MaxRetryBackoff and retries; anything
// else (malformed data, a persist failure) is fatal and stops the loop,
// per spec §7's two-way error split.
func (d *Driver) Run(ctx context.Context) error {
	backoff := d.cfg.RetryBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		advanced, err := d.step(ctx)
		if err != nil {
			var fatal *FatalError
			if errors.As(err, &fatal) {
				d.log.WithError(err).Error("driver: stopping")
				return err
			}
			d.log.WithError(err).Warn("driver: transient failure, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > d.cfg.MaxRetryBackoff {
				backoff = d.cfg.MaxRetryBackoff
			}
			continue
		}
		backoff = d.cfg.RetryBackoff

		if !advanced {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cfg.PollInterval):
			}
		}
	}
}

// step fetches and applies exactly one new block, if the source's tip is
// ahead of d.height. It returns advanced=false (not an error) when there
// is nothing new yet.
func (d *Driver) step(ctx context.Context) (advanced bool, err error) {
	tip, err := d.src.TipHeight(ctx)
	if err != nil {
		return false, classifySourceErr(err)
	}
	nextHeight := d.height
	if d.db != nil && d.tipHash != ([32]byte{}) {
		nextHeight = d.height + 1
	}
	if tip < nextHeight {
		return false, nil
	}

	block, err := d.src.BlockAt(ctx, nextHeight)
	if err != nil {
		return false, classifySourceErr(err)
	}

	prevHash := toPrevHash(block)
	if d.tipHash != ([32]byte{}) && prevHash != d.tipHash {
		if err := d.reorgTo(ctx, block); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := d.applyBlock(block); err != nil {
		return false, err
	}
	return true, nil
}

func toPrevHash(b *chain.Block) [32]byte {
	return [32]byte(b.Header.PrevBlock)
}

// applyBlock runs every candidate operation in block through consensus,
// in transaction order, seals the resulting consensus hash, and persists
// the new committed state atomically before advancing d.height (spec §5:
// "persist before advance", and §4.5 for in-order application).
func (d *Driver) applyBlock(block *chain.Block) error {
	scratch := consensus.NewBlockScratch()
	nextDB := d.db
	var canonical []byte

	for _, tx := range block.Msg.Transactions {
		op, sender, ok := ExtractOperation(tx, d.cache, d.cfg.ChainParams)
		if !ok {
			continue
		}
		ctx := consensus.ApplyContext{
			Height:         block.Height,
			Sender:         sender,
			Tape:           d.tape,
			Crypto:         d.crypto,
			Cfg:            d.cfg.Consensus,
			AppliedInBlock: scratch,
		}
		applied, rejErr := nextDB.Apply(op, ctx)
		if rejErr != nil && rejErr.Code == consensus.RejectNameExists {
			// A register against an already-live name is only ever valid
			// as a renewal by its current owner (spec §4.3's "equivalent"
			// path) — retry it that way before giving up on the tx.
			if reg, ok := op.(*consensus.RegisterOp); ok {
				applied, rejErr = nextDB.ApplyRenew(reg.NameString(), ctx)
				if rejErr == nil {
					// applyRegister matched this register's preorder before
					// rejecting with RejectNameExists; the renewal consumes it.
					if ch, ok := d.tape.At(uint64(reg.CommittedHeight)); ok {
						delete(applied.Preorders, consensus.PreorderFingerprint(d.crypto, reg.NameString(), reg.Salt[:], ch))
					}
				}
			}
		}
		if rejErr != nil {
			d.log.WithFields(logrus.Fields{"height": block.Height, "reject": rejErr.Code}).Debug("driver: operation rejected")
			continue
		}
		nextDB = applied
		canonical = append(canonical, op.Encode()...)
	}
	d.cacheBlockOutputs(block)

	nextHash, err := d.tape.ComputeNext(d.crypto, block.Height, canonical)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("sealing consensus hash: %w", err)}
	}
	nextTape := consensus.TapeFromEntries(d.tape.Window(), d.tape.Entries())
	if err := nextTape.Append(block.Height, nextHash); err != nil {
		return &FatalError{Err: fmt.Errorf("appending consensus hash: %w", err)}
	}

	blockHash := block.Hash
	if err := store.Save(d.storeDir, &store.Snapshot{Height: block.Height, Hash: blockHash, DB: nextDB, Tape: nextTape}); err != nil {
		return &FatalError{Err: fmt.Errorf("persisting snapshot: %w", err)}
	}

	d.db = nextDB
	d.tape = nextTape
	d.height = block.Height
	d.tipHash = blockHash
	return nil
}

func (d *Driver) cacheBlockOutputs(block *chain.Block) {
	if d.cache == nil {
		return
	}
	for _, tx := range block.Msg.Transactions {
		txid := [32]byte(tx.TxHash())
		for vout, out := range tx.TxOut {
			if err := d.cache.Put(txid, uint32(vout), out); err != nil {
				d.log.WithError(err).Warn("driver: caching prevout failed")
			}
		}
	}
}

func classifySourceErr(err error) error {
	var se *blocksource.Error
	if errors.As(err, &se) && se.Kind == blocksource.KindMalformed {
		return &FatalError{Err: err}
	}
	return err
}
