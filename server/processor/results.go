package processor

import (
	"context"
	"slices"
	"sync"

	"github.com/san-kum/object-tracker/server/models"
)

// ResultStore keeps completed frame results addressed by frame index, so the
// order in which workers finish never affects the order they are read back.
type ResultStore struct {
	mu    sync.RWMutex
	slots map[uint64]models.FrameResult
}

func NewResultStore() *ResultStore {
	return &ResultStore{slots: make(map[uint64]models.FrameResult)}
}

func (s *ResultStore) Put(fr models.FrameResult) {
	s.mu.Lock()
	s.slots[fr.FrameIndex] = fr
	s.mu.Unlock()
}

func (s *ResultStore) Get(index uint64) (models.FrameResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fr, ok := s.slots[index]
	return fr, ok
}

func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Ordered returns every stored result in increasing frame index order.
func (s *ResultStore) Ordered() []models.FrameResult {
	s.mu.RLock()
	out := make([]models.FrameResult, 0, len(s.slots))
	for _, fr := range s.slots {
		out = append(out, fr)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.FrameResult) int {
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

func (s *ResultStore) Reset() {
	s.mu.Lock()
	s.slots = make(map[uint64]models.FrameResult)
	s.mu.Unlock()
}

// sequencer releases results to emit strictly in frame index order starting
// at next, holding back anything that finished early.
type sequencer struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]models.FrameResult
	emit    func(context.Context, models.FrameResult)
}

func newSequencer(first uint64, emit func(context.Context, models.FrameResult)) *sequencer {
	return &sequencer{
		next:    first,
		pending: make(map[uint64]models.FrameResult),
		emit:    emit,
	}
}

func (s *sequencer) put(ctx context.Context, fr models.FrameResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[fr.FrameIndex] = fr
	for {
		ready, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		s.next++
		if s.emit != nil && ctx.Err() == nil {
			s.emit(ctx, ready)
		}
	}
}
