package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/san-kum/object-tracker/server/models"
)

type Mode string

const (
	ModeBatch  Mode = "batch"
	ModeStream Mode = "stream"
)

type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunCancelled RunState = "cancelled"
	RunFailed    RunState = "failed"
)

// Progress counters only ever grow during a run, including through
// per-frame detector failures.
type Progress struct {
	Total     int     `json:"total"`
	Submitted int64   `json:"submitted"`
	Processed int64   `json:"processed"`
	Failed    int64   `json:"failed"`
	Dropped   int64   `json:"dropped"`
	Percent   float64 `json:"percent"`
}

type RunStatus struct {
	ID         string     `json:"id"`
	Mode       Mode       `json:"mode"`
	State      RunState   `json:"state"`
	Progress   Progress   `json:"progress"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type progress struct {
	total     int
	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func (p *progress) record(fr models.FrameResult) {
	p.processed.Add(1)
	if fr.Failed {
		p.failed.Add(1)
	}
}

func (p *progress) snapshot() Progress {
	out := Progress{
		Total:     p.total,
		Submitted: p.submitted.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
	if p.total > 0 {
		out.Percent = float64(out.Processed) / float64(p.total) * 100
	}
	return out
}

// run is one batch or stream pass through the dispatcher. Its mutable
// fields are guarded by Session.mu.
type run struct {
	id        string
	mode      Mode
	startedAt time.Time
	progress  progress

	ctx         context.Context
	cancel      context.CancelFunc
	feed        chan models.FrameResult
	trackerDone chan error
	done        chan struct{}
	endOnce     sync.Once

	state      RunState
	err        error
	finishedAt time.Time
}

func newRun(mode Mode, total int) *run {
	r := &run{
		id:          uuid.NewString(),
		mode:        mode,
		startedAt:   time.Now(),
		feed:        make(chan models.FrameResult, feedBuffer),
		trackerDone: make(chan error, 1),
		done:        make(chan struct{}),
		state:       RunRunning,
	}
	r.progress.total = total
	return r
}

func (r *run) finish(state RunState, err error) {
	r.state = state
	r.err = err
	r.finishedAt = time.Now()
}

func (r *run) failure() error {
	return r.err
}

func (r *run) status() RunStatus {
	st := RunStatus{
		ID:        r.id,
		Mode:      r.mode,
		State:     r.state,
		Progress:  r.progress.snapshot(),
		StartedAt: r.startedAt,
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	if !r.finishedAt.IsZero() {
		finished := r.finishedAt
		st.FinishedAt = &finished
	}
	return st
}
