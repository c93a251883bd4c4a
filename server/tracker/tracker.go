// Package tracker links per-frame detections into persistent tracks.
//
// All mutation goes through Update, ResetAll and RecomputeStatistics, which
// hold the write lock for their whole run. Snapshots and counts take the
// read lock and may run concurrently with each other.
package tracker

import (
	"context"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/san-kum/object-tracker/server/models"
	"github.com/san-kum/object-tracker/server/stats"
)

const (
	DefaultMaxMissedFrames = 10
	DefaultEventBuffer     = 64
)

type Config struct {
	// MaxMissedFrames is how many frames a track may go unseen before it is
	// completed. It completes once currentFrame - finish > MaxMissedFrames.
	MaxMissedFrames   uint64
	DirectionDeadband float64
	EventBuffer       int
}

func DefaultConfig() Config {
	return Config{
		MaxMissedFrames:   DefaultMaxMissedFrames,
		DirectionDeadband: stats.DefaultDirectionDeadband,
		EventBuffer:       DefaultEventBuffer,
	}
}

// UpdateSummary describes what one Update did. Matched + Created always
// equals the number of detections in the frame.
type UpdateSummary struct {
	FrameIndex uint64 `json:"frame_index"`
	Detections int    `json:"detections"`
	Matched    int    `json:"matched"`
	Created    int    `json:"created"`
	Completed  int    `json:"completed"`
}

type Counts struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Complete int `json:"complete"`
	Frames   int `json:"frames"`
}

type Tracker struct {
	config Config
	logger *zap.Logger

	mu           sync.RWMutex
	items        []*models.TrackedItem
	maxKeys      map[string]uint32
	frameResults []models.FrameResult

	events *eventBus
}

func NewTracker(config Config, logger *zap.Logger) *Tracker {
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultEventBuffer
	}
	return &Tracker{
		config:  config,
		logger:  logger,
		maxKeys: make(map[string]uint32),
		events:  newEventBus(config.EventBuffer),
	}
}

// candidate is one admissible (detection, track) pairing.
type candidate struct {
	detection int
	track     int
	distance  float64
}

// Update applies one frame result. Matching is a global greedy assignment:
// every same-label pair within the size-adaptive gate is a candidate, and
// candidates are taken closest first as long as neither side is already
// used.
func (t *Tracker) Update(fr models.FrameResult) UpdateSummary {
	t.mu.Lock()
	summary, created, completed := t.update(fr)
	t.mu.Unlock()

	for i := range created {
		t.events.publish(Event{Type: EventTrackCreated, FrameIndex: fr.FrameIndex, Track: &created[i]})
	}
	for i := range completed {
		t.events.publish(Event{Type: EventTrackCompleted, FrameIndex: fr.FrameIndex, Track: &completed[i]})
	}
	t.events.publish(Event{Type: EventFrameProcessed, FrameIndex: fr.FrameIndex, Summary: &summary})

	return summary
}

// update runs with t.mu held.
func (t *Tracker) update(fr models.FrameResult) (UpdateSummary, []models.TrackedItem, []models.TrackedItem) {
	frameIndex := fr.FrameIndex
	detections := fr.Detections
	summary := UpdateSummary{FrameIndex: frameIndex, Detections: len(detections)}

	t.frameResults = append(t.frameResults, fr.Clone())

	var candidates []candidate
	for di, d := range detections {
		box := d.TopLeftBox()
		center := box.Center()
		for ti, item := range t.items {
			if item.IsComplete || item.Label != d.Label || item.LastBox.IsZero() {
				continue
			}
			distance := center.Distance(item.LastBox.Center())
			if distance <= (box.Width+item.LastBox.Width)/2 {
				candidates = append(candidates, candidate{detection: di, track: ti, distance: distance})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})

	detectionUsed := make([]bool, len(detections))
	trackUsed := make(map[int]bool, len(candidates))
	for _, c := range candidates {
		if detectionUsed[c.detection] || trackUsed[c.track] {
			continue
		}
		detectionUsed[c.detection] = true
		trackUsed[c.track] = true
		t.extend(t.items[c.track], detections[c.detection], frameIndex)
		summary.Matched++
	}

	var created []models.TrackedItem
	for di, d := range detections {
		if detectionUsed[di] {
			continue
		}
		item := t.create(d, frameIndex)
		created = append(created, item.Clone())
		summary.Created++
	}

	var completed []models.TrackedItem
	for _, item := range t.items {
		if item.IsComplete || frameIndex < item.Finish {
			continue
		}
		if frameIndex-item.Finish > t.config.MaxMissedFrames {
			item.IsComplete = true
			completed = append(completed, item.Clone())
			summary.Completed++
		}
	}

	if summary.Created > 0 || summary.Completed > 0 {
		t.logger.Debug("Tracks updated",
			zap.Uint64("frame_index", frameIndex),
			zap.Int("matched", summary.Matched),
			zap.Int("created", summary.Created),
			zap.Int("completed", summary.Completed))
	}

	return summary, created, completed
}

// extend appends one movement step to a matched track. Y grows downward in
// the box space, so the vertical delta is inverted to make up positive.
func (t *Tracker) extend(item *models.TrackedItem, d models.Detection, frameIndex uint64) {
	box := d.TopLeftBox()
	oldCenter := item.LastBox.Center()
	newCenter := box.Center()

	item.MovementHistoryX = append(item.MovementHistoryX, newCenter.X-oldCenter.X)
	item.MovementHistoryY = append(item.MovementHistoryY, oldCenter.Y-newCenter.Y)
	item.ConfidenceSamples = append(item.ConfidenceSamples, float64(d.Confidence))
	item.LastBox = box
	item.Finish = frameIndex
}

func (t *Tracker) create(d models.Detection, frameIndex uint64) *models.TrackedItem {
	key := t.maxKeys[d.Label] + 1
	t.maxKeys[d.Label] = key

	item := &models.TrackedItem{
		Label:     d.Label,
		Key:       key,
		Start:     frameIndex,
		Finish:    frameIndex,
		LastBox:   d.TopLeftBox(),
		Direction: models.DirectionStationary,
	}
	t.items = append(t.items, item)
	return item
}

// Run consumes frame results until in is closed or ctx is done. It is the
// tracker's single writer when frames arrive by message passing.
func (t *Tracker) Run(ctx context.Context, in <-chan models.FrameResult) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fr, ok := <-in:
			if !ok {
				return nil
			}
			t.Update(fr)
		}
	}
}

// ResetAll drops every track and retained frame result.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	t.items = nil
	t.maxKeys = make(map[string]uint32)
	t.frameResults = nil
	t.mu.Unlock()

	t.events.publish(Event{Type: EventReset})
}

// TrackedItems returns a deep copy of every track, active and complete, in
// creation order.
func (t *Tracker) TrackedItems() []models.TrackedItem {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.TrackedItem, len(t.items))
	for i, item := range t.items {
		out[i] = item.Clone()
	}
	return out
}

// FrameResults returns the retained frame results in frame index order.
func (t *Tracker) FrameResults() []models.FrameResult {
	t.mu.RLock()
	out := make([]models.FrameResult, len(t.frameResults))
	for i, fr := range t.frameResults {
		out[i] = fr.Clone()
	}
	t.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b models.FrameResult) int {
		switch {
		case a.FrameIndex < b.FrameIndex:
			return -1
		case a.FrameIndex > b.FrameIndex:
			return 1
		}
		return 0
	})
	return out
}

func (t *Tracker) Counts() Counts {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c := Counts{Total: len(t.items), Frames: len(t.frameResults)}
	for _, item := range t.items {
		if item.IsComplete {
			c.Complete++
		} else {
			c.Active++
		}
	}
	return c
}

// RecomputeStatistics refreshes the derived fields of every track from its history.
func (t *Tracker) RecomputeStatistics() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, item := range t.items {
		stats.Compute(item, t.config.DirectionDeadband)
	}
}

// RecomputeStatisticsAsync runs RecomputeStatistics in the background. The
// returned channel is closed when it has finished.
func (t *Tracker) RecomputeStatisticsAsync() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.RecomputeStatistics()
	}()
	return done
}

// Subscribe returns a channel of tracker events and a function that
// releases it. Events are dropped for subscribers that fall behind.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	return t.events.subscribe()
}

// DroppedEvents counts events not delivered because a subscriber was full.
func (t *Tracker) DroppedEvents() uint64 {
	return t.events.dropped()
}
