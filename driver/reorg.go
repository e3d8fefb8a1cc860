package driver

import (
	"context"
	"fmt"

	"virtualchain.dev/node/chain"
	"virtualchain.dev/node/store"
)

// reorgTo handles the case where the block the driver just fetched at
// d.height+1 doesn't chain from the tip it last committed — the source's
// view of the chain changed underneath it. Grounded on
// clients/go/node/store/reorg.go's ReorgToTip/findForkPoint/
// pathFromAncestor shape, adapted from undoing a UTXO set to rewinding a
// name-database snapshot: there is no delta/undo log here, because
// store.Save already retains one snapshot file per height, so "undo" is
// just "load the snapshot from before the fork" (spec §5, P7: "a replica
// must be able to recover from a reorg no deeper than the consensus
// window without manual intervention").
func (d *Driver) reorgTo(ctx context.Context, tipBlock *chain.Block) error {
	ancestor, err := d.findForkPoint(ctx, tipBlock)
	if err != nil {
		return err
	}

	snap, err := store.LoadAt(d.storeDir, ancestor)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("reorg: loading ancestor snapshot at height %d: %w", ancestor, err)}
	}
	d.log.WithFields(map[string]interface{}{
		"from_height": d.height,
		"ancestor":    ancestor,
	}).Warn("driver: reorg detected, rewinding to common ancestor")

	d.db = snap.DB
	d.tape = snap.Tape
	d.height = snap.Height
	d.tipHash = snap.Hash

	for h := ancestor + 1; h < tipBlock.Height; h++ {
		block, err := d.src.BlockAt(ctx, h)
		if err != nil {
			return classifySourceErr(err)
		}
		if err := d.applyBlock(block); err != nil {
			return err
		}
	}
	return d.applyBlock(tipBlock)
}

// findForkPoint walks backward from the driver's current height, bounded
// by cfg.ReorgDepth, refetching each retained height's block hash from the
// source and comparing it against what this replica committed. The first
// height where they agree is the common ancestor. If the walk reaches
// height 0 within the bound, height 0 is returned as the ancestor without
// being compared (genesis fallback). If the bound runs out first, the reorg is deeper than this replica can recover from
// automatically and the driver halts (spec §5, P7 — recovery requires
// operator intervention, e.g. a trusted re-sync, beyond the bound).
func (d *Driver) findForkPoint(ctx context.Context, tipBlock *chain.Block) (uint64, error) {
	cursor := d.height
	for depth := uint64(0); depth <= d.cfg.ReorgDepth && cursor > 0; depth++ {
		snap, err := store.LoadAt(d.storeDir, cursor)
		if err != nil {
			return 0, &FatalError{Err: fmt.Errorf("reorg: loading snapshot at height %d: %w", cursor, err)}
		}
		block, err := d.src.BlockAt(ctx, cursor)
		if err != nil {
			return 0, classifySourceErr(err)
		}
		if block.Hash == snap.Hash {
			return cursor, nil
		}
		cursor--
	}
	if cursor == 0 {
		return 0, nil
	}
	return 0, &FatalError{Err: fmt.Errorf("reorg: no common ancestor within %d blocks of height %d", d.cfg.ReorgDepth, d.height)}
}
