package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/san-kum/object-tracker/server/models"
)

func TestResultStore_OrderedRegardlessOfInsertion(t *testing.T) {
	t.Parallel()
	s := NewResultStore()
	for _, idx := range []uint64{5, 2, 9, 0, 7} {
		s.Put(models.FrameResult{FrameIndex: idx})
	}

	ordered := s.Ordered()
	got := make([]uint64, len(ordered))
	for i, fr := range ordered {
		got[i] = fr.FrameIndex
	}
	assert.Equal(t, []uint64{0, 2, 5, 7, 9}, got)

	fr, ok := s.Get(9)
	assert.True(t, ok)
	assert.Equal(t, uint64(9), fr.FrameIndex)

	s.Reset()
	assert.Zero(t, s.Len())
}

func TestSequencer_HoldsBackEarlyResults(t *testing.T) {
	t.Parallel()
	var out []uint64
	seq := newSequencer(10, func(_ context.Context, fr models.FrameResult) {
		out = append(out, fr.FrameIndex)
	})

	ctx := context.Background()
	seq.put(ctx, models.FrameResult{FrameIndex: 12})
	seq.put(ctx, models.FrameResult{FrameIndex: 11})
	assert.Empty(t, out)

	seq.put(ctx, models.FrameResult{FrameIndex: 10})
	assert.Equal(t, []uint64{10, 11, 12}, out)

	seq.put(ctx, models.FrameResult{FrameIndex: 13})
	assert.Equal(t, []uint64{10, 11, 12, 13}, out)
}
