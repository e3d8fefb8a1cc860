package blocksource

import (
	"context"
	"testing"

	"virtualchain.dev/node/chain"
)

// fakeSource is a minimal in-memory Source for exercising blocksource's
// own Source contract and Error plumbing, grounded on the
// teacher's function-var dependency-injection style (cmd/rubin-node/main.go
// uses swappable function vars rather than interfaces in places, but the
// same "substitute a fake for the real transport" idea applies here via
// the Source interface).
type fakeSource struct {
	blocks map[uint64]*chain.Block
	tip    uint64
	err    error
}

func (f *fakeSource) TipHeight(ctx context.Context) (uint64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.tip, nil
}

func (f *fakeSource) BlockAt(ctx context.Context, height uint64) (*chain.Block, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.blocks[height]
	if !ok {
		return nil, malformed("fake: no such block", nil)
	}
	return b, nil
}

func TestFakeSource_ImplementsSource(t *testing.T) {
	var _ Source = (*fakeSource)(nil)
}

func TestError_UnwrapAndKind(t *testing.T) {
	base := context.DeadlineExceeded
	err := unavailable("blocksource: test", base)
	if err.Kind != KindUnavailable {
		t.Fatalf("kind=%v, want KindUnavailable", err.Kind)
	}
	if err.Unwrap() != base {
		t.Fatalf("Unwrap did not return the wrapped error")
	}

	mErr := malformed("blocksource: bad block", nil)
	if mErr.Kind != KindMalformed {
		t.Fatalf("kind=%v, want KindMalformed", mErr.Kind)
	}
}

func TestFakeSource_TipAndBlockAt(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{tip: 5, blocks: map[uint64]*chain.Block{
		5: {Height: 5},
	}}
	tip, err := src.TipHeight(ctx)
	if err != nil || tip != 5 {
		t.Fatalf("TipHeight=%d err=%v, want 5,nil", tip, err)
	}
	b, err := src.BlockAt(ctx, 5)
	if err != nil || b.Height != 5 {
		t.Fatalf("BlockAt=%+v err=%v, want height 5", b, err)
	}
	if _, err := src.BlockAt(ctx, 6); err == nil {
		t.Fatalf("expected error for missing block")
	}
}
