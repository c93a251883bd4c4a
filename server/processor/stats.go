package processor

import (
	"sync"
	"sync/atomic"
	"time"
)

type DispatcherStats struct {
	StartTime        time.Time `json:"start_time"`
	PoolSize         int       `json:"pool_size"`
	Submitted        int64     `json:"submitted"`
	Accepted         int64     `json:"accepted"`
	Dropped          int64     `json:"dropped"`
	Processed        int64     `json:"processed"`
	Failed           int64     `json:"failed"`
	AverageLatency   float64   `json:"average_latency_ms"`
	InFlight         bool      `json:"in_flight"`
	CollectedResults int       `json:"collected_results"`
}

type dispatcherStats struct {
	startTime time.Time
	poolSize  int

	submitted atomic.Int64
	accepted  atomic.Int64
	dropped   atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64

	mu             sync.Mutex
	averageLatency float64
}

func newDispatcherStats(poolSize int) *dispatcherStats {
	return &dispatcherStats{startTime: time.Now(), poolSize: poolSize}
}

// recordLatency keeps an exponential moving average in milliseconds.
func (s *dispatcherStats) recordLatency(latency time.Duration) {
	current := float64(latency.Microseconds()) / 1000

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.averageLatency == 0 {
		s.averageLatency = current
		return
	}
	alpha := 0.1
	s.averageLatency = alpha*current + (1-alpha)*s.averageLatency
}

func (s *dispatcherStats) snapshot() DispatcherStats {
	s.mu.Lock()
	avg := s.averageLatency
	s.mu.Unlock()

	return DispatcherStats{
		StartTime:      s.startTime,
		PoolSize:       s.poolSize,
		Submitted:      s.submitted.Load(),
		Accepted:       s.accepted.Load(),
		Dropped:        s.dropped.Load(),
		Processed:      s.processed.Load(),
		Failed:         s.failed.Load(),
		AverageLatency: avg,
	}
}
