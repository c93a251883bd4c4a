package tracker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/object-tracker/server/detection"
	"github.com/san-kum/object-tracker/server/models"
)

// det builds a detection whose top-left-origin unit box is (x, y, w, h).
func det(label string, x, y, w, h float64) models.Detection {
	tl := models.Box{X: x, Y: y, Width: w, Height: h}
	return models.Detection{
		Label:         label,
		Confidence:    0.9,
		NormalizedBox: tl.FlipVertical(),
	}
}

func frame(index uint64, detections ...models.Detection) models.FrameResult {
	if detections == nil {
		detections = []models.Detection{}
	}
	return models.FrameResult{FrameIndex: index, Detections: detections}
}

func newTestTracker(maxMissed uint64) *Tracker {
	cfg := DefaultConfig()
	cfg.MaxMissedFrames = maxMissed
	return NewTracker(cfg, zap.NewNop())
}

func TestUpdate_SingleTrackMovement(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultMaxMissedFrames)

	x := 0.25
	s0 := tr.Update(frame(0, det("car", x, 0.5, 0.125, 0.125)))
	x += 5.0 / 64
	s1 := tr.Update(frame(1, det("car", x, 0.5, 0.125, 0.125)))
	x += 3.0 / 64
	s2 := tr.Update(frame(2, det("car", x, 0.5, 0.125, 0.125)))

	assert.Equal(t, 1, s0.Created)
	assert.Equal(t, 1, s1.Matched)
	assert.Equal(t, 1, s2.Matched)

	tr.RecomputeStatistics()
	items := tr.TrackedItems()
	require.Len(t, items, 1)
	item := items[0]

	assert.Equal(t, uint32(1), item.Key)
	assert.Equal(t, uint64(0), item.Start)
	assert.Equal(t, uint64(2), item.Finish)
	assert.Equal(t, []float64{5.0 / 64, 3.0 / 64}, item.MovementHistoryX)
	assert.Equal(t, []float64{0, 0}, item.MovementHistoryY)
	assert.Len(t, item.ConfidenceSamples, 2)

	assert.Equal(t, 8.0/64, item.NetMovementX)
	assert.Equal(t, 8.0/64, item.TotalMovementX)
	assert.Equal(t, 8.0/64, item.Displacement)
	assert.Equal(t, 8.0/64, item.Distance)
	assert.Equal(t, models.DirectionRight, item.Direction)
}

func TestUpdate_VerticalDeltaPositiveUp(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultMaxMissedFrames)

	tr.Update(frame(0, det("ball", 0.5, 0.5, 0.25, 0.25)))
	// smaller top-left y means the object moved up the image
	tr.Update(frame(1, det("ball", 0.5, 0.4375, 0.25, 0.25)))

	items := tr.TrackedItems()
	require.Len(t, items, 1)
	assert.Equal(t, []float64{0.0625}, items[0].MovementHistoryY)
}

func TestUpdate_BelowThresholdHasNoEffect(t *testing.T) {
	t.Parallel()
	n := detection.NewNormalizer(detection.DefaultConfidenceThreshold)
	tr := newTestTracker(DefaultMaxMissedFrames)

	fr := n.NormalizeFrame(0, 0, models.PaddingGeometry{SourceWidth: 10, SourceHeight: 10, SquareSide: 10}, []models.RawDetection{
		{Label: "car", Confidence: 0.59, Box: models.Box{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2}},
	})
	require.Empty(t, fr.Detections)

	summary := tr.Update(fr)
	assert.Zero(t, summary.Matched)
	assert.Zero(t, summary.Created)
	assert.Empty(t, tr.TrackedItems())
}

func TestUpdate_CloserDetectionWins(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultMaxMissedFrames)

	tr.Update(frame(0, det("car", 0.4, 0.4, 0.2, 0.2)))

	far := det("car", 0.45, 0.4, 0.2, 0.2)
	near := det("car", 0.42, 0.4, 0.2, 0.2)
	summary := tr.Update(frame(1, far, near))

	assert.Equal(t, 1, summary.Matched)
	assert.Equal(t, 1, summary.Created)

	items := tr.TrackedItems()
	require.Len(t, items, 2)

	assert.Equal(t, uint32(1), items[0].Key)
	assert.Equal(t, uint64(1), items[0].Finish)
	assert.InDelta(t, 0.42, items[0].LastBox.X, 1e-12)

	assert.Equal(t, uint32(2), items[1].Key)
	assert.Equal(t, uint64(1), items[1].Start)
	assert.InDelta(t, 0.45, items[1].LastBox.X, 1e-12)
}

func TestUpdate_Gating(t *testing.T) {
	t.Parallel()

	t.Run("outside size-adaptive gate creates a new track", func(t *testing.T) {
		t.Parallel()
		tr := newTestTracker(DefaultMaxMissedFrames)
		tr.Update(frame(0, det("car", 0.1, 0.1, 0.1, 0.1)))
		summary := tr.Update(frame(1, det("car", 0.25, 0.1, 0.1, 0.1)))
		assert.Zero(t, summary.Matched)
		assert.Equal(t, 1, summary.Created)
	})

	t.Run("gate scales with box width", func(t *testing.T) {
		t.Parallel()
		tr := newTestTracker(DefaultMaxMissedFrames)
		tr.Update(frame(0, det("truck", 0.1, 0.1, 0.5, 0.5)))
		summary := tr.Update(frame(1, det("truck", 0.4, 0.1, 0.5, 0.5)))
		assert.Equal(t, 1, summary.Matched)
	})

	t.Run("labels never cross-match", func(t *testing.T) {
		t.Parallel()
		tr := newTestTracker(DefaultMaxMissedFrames)
		tr.Update(frame(0, det("car", 0.1, 0.1, 0.2, 0.2)))
		summary := tr.Update(frame(1, det("bus", 0.1, 0.1, 0.2, 0.2)))
		assert.Zero(t, summary.Matched)

		items := tr.TrackedItems()
		require.Len(t, items, 2)
		assert.Equal(t, uint32(1), items[1].Key, "keys are per label")
	})

	t.Run("zero last box is never matched", func(t *testing.T) {
		t.Parallel()
		tr := newTestTracker(DefaultMaxMissedFrames)
		zero := models.Detection{Label: "dot", Confidence: 0.9, NormalizedBox: models.Box{X: 0, Y: 1}}
		require.True(t, zero.TopLeftBox().IsZero())
		tr.Update(frame(0, zero))
		summary := tr.Update(frame(1, zero))
		assert.Zero(t, summary.Matched)
		assert.Equal(t, 1, summary.Created)
	})
}

func TestUpdate_TrackCompletesAfterMissedFrames(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(2)

	tr.Update(frame(0, det("person", 0.3, 0.3, 0.2, 0.2)))
	tr.Update(frame(1))
	s := tr.Update(frame(2))
	assert.Zero(t, s.Completed)
	assert.Equal(t, 1, tr.Counts().Active)

	s = tr.Update(frame(3))
	assert.Equal(t, 1, s.Completed)

	items := tr.TrackedItems()
	require.Len(t, items, 1)
	assert.True(t, items[0].IsComplete)

	// A compatible detection after completion starts a new track.
	s = tr.Update(frame(4, det("person", 0.3, 0.3, 0.2, 0.2)))
	assert.Zero(t, s.Matched)
	assert.Equal(t, 1, s.Created)

	items = tr.TrackedItems()
	require.Len(t, items, 2)
	assert.True(t, items[0].IsComplete)
	assert.Equal(t, uint64(0), items[0].Finish)
	assert.Equal(t, uint32(2), items[1].Key)

	counts := tr.Counts()
	assert.Equal(t, Counts{Total: 2, Active: 1, Complete: 1, Frames: 5}, counts)
}

func TestUpdate_RandomizedInvariants(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	tr := newTestTracker(3)
	labels := []string{"car", "person", "bike"}

	completed := map[string]bool{}
	for f := uint64(0); f < 200; f++ {
		n := rng.Intn(6)
		dets := make([]models.Detection, 0, n)
		for i := 0; i < n; i++ {
			w := 0.05 + rng.Float64()*0.2
			dets = append(dets, det(labels[rng.Intn(len(labels))], rng.Float64()*(1-w), rng.Float64()*(1-w), w, w))
		}

		summary := tr.Update(frame(f, dets...))
		require.Equal(t, len(dets), summary.Matched+summary.Created)

		keys := map[string]map[uint32]bool{}
		for _, item := range tr.TrackedItems() {
			id := fmt.Sprintf("%s/%d", item.Label, item.Key)
			require.GreaterOrEqual(t, item.Finish, item.Start)
			require.Len(t, item.MovementHistoryY, len(item.MovementHistoryX))
			require.Len(t, item.ConfidenceSamples, len(item.MovementHistoryX))
			if completed[id] {
				require.True(t, item.IsComplete, "track %s reopened", id)
			}
			if item.IsComplete {
				completed[id] = true
			}
			if keys[item.Label] == nil {
				keys[item.Label] = map[uint32]bool{}
			}
			require.False(t, keys[item.Label][item.Key], "duplicate key")
			keys[item.Label][item.Key] = true
		}
	}
}

func TestResetAll(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultMaxMissedFrames)
	tr.Update(frame(0, det("car", 0.1, 0.1, 0.2, 0.2)))
	tr.Update(frame(1, det("car", 0.1, 0.1, 0.2, 0.2)))

	tr.ResetAll()
	assert.Empty(t, tr.TrackedItems())
	assert.Empty(t, tr.FrameResults())

	tr.Update(frame(2, det("car", 0.1, 0.1, 0.2, 0.2)))
	items := tr.TrackedItems()
	require.Len(t, items, 1)
	assert.Equal(t, uint32(1), items[0].Key)
}

func TestFrameResults_OrderedSnapshot(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultMaxMissedFrames)
	tr.Update(frame(0, det("car", 0.1, 0.1, 0.2, 0.2)))
	tr.Update(frame(1))

	results := tr.FrameResults()
	require.Len(t, results, 2)
	assert.Equal(t, uint64(0), results[0].FrameIndex)
	assert.Equal(t, uint64(1), results[1].FrameIndex)

	results[0].Detections[0].Label = "mutated"
	assert.Equal(t, "car", tr.FrameResults()[0].Detections[0].Label)
}

func TestSnapshotsAreIsolated(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultMaxMissedFrames)
	tr.Update(frame(0, det("car", 0.1, 0.1, 0.2, 0.2)))
	tr.Update(frame(1, det("car", 0.12, 0.1, 0.2, 0.2)))

	items := tr.TrackedItems()
	items[0].MovementHistoryX[0] = 99
	assert.NotEqual(t, 99.0, tr.TrackedItems()[0].MovementHistoryX[0])
}

func TestRecomputeStatisticsAsync(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultMaxMissedFrames)
	tr.Update(frame(0, det("car", 0.25, 0.25, 0.25, 0.25)))
	tr.Update(frame(1, det("car", 0.375, 0.25, 0.25, 0.25)))

	select {
	case <-tr.RecomputeStatisticsAsync():
	case <-time.After(2 * time.Second):
		t.Fatal("async recompute did not finish")
	}
	items := tr.TrackedItems()
	assert.Equal(t, 0.125, items[0].Distance)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				for _, item := range tr.TrackedItems() {
					assert.GreaterOrEqual(t, item.Finish, item.Start)
				}
				_ = tr.FrameResults()
				_ = tr.Counts()
				tr.RecomputeStatistics()
			}
		}()
	}

	for f := uint64(0); f < 300; f++ {
		x := float64(f%50) / 100
		tr.Update(frame(f, det("car", x, 0.2, 0.1, 0.1), det("person", 0.5, x, 0.1, 0.1)))
	}
	cancel()
	wg.Wait()

	assert.Equal(t, 300, tr.Counts().Frames)
}

func TestRun_ConsumesChannelInOrder(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(DefaultMaxMissedFrames)
	in := make(chan models.FrameResult)

	done := make(chan error, 1)
	go func() { done <- tr.Run(context.Background(), in) }()

	for f := uint64(0); f < 5; f++ {
		in <- frame(f, det("car", 0.1+float64(f)*0.01, 0.1, 0.2, 0.2))
	}
	close(in)
	require.NoError(t, <-done)

	items := tr.TrackedItems()
	require.Len(t, items, 1)
	assert.Equal(t, uint64(4), items[0].Finish)
	assert.Len(t, items[0].MovementHistoryX, 4)
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(0)
	events, release := tr.Subscribe()
	defer release()

	tr.Update(frame(0, det("car", 0.1, 0.1, 0.2, 0.2)))
	tr.Update(frame(2))

	var got []EventType
	for i := 0; i < 4; i++ {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("expected 4 events, got %v", got)
		}
	}
	assert.Equal(t, []EventType{EventTrackCreated, EventFrameProcessed, EventTrackCompleted, EventFrameProcessed}, got)
}

func TestSubscribe_SlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.EventBuffer = 1
	tr := NewTracker(cfg, zap.NewNop())
	_, release := tr.Subscribe()
	defer release()

	for f := uint64(0); f < 10; f++ {
		tr.Update(frame(f))
	}
	assert.Equal(t, uint64(9), tr.DroppedEvents())
}
