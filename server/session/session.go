// Package session owns one processing pipeline: a dispatcher feeding a
// tracker, plus the runs, exports and annotations made against it. A
// Session replaces any process-wide pipeline state; main constructs one and
// hands it to the HTTP layer.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/san-kum/object-tracker/server/annotate"
	"github.com/san-kum/object-tracker/server/export"
	"github.com/san-kum/object-tracker/server/models"
	"github.com/san-kum/object-tracker/server/processor"
	"github.com/san-kum/object-tracker/server/tracker"
)

var (
	ErrBusy        = errors.New("session already running")
	ErrNotRunning  = errors.New("session not running")
	ErrCancelled   = errors.New("session cancelled")
	ErrClosed      = errors.New("session shut down")
	ErrRunNotFound = errors.New("run not found")
	ErrWrongMode   = errors.New("operation not valid for the current run mode")

	// ErrEmptyBuffer is fatal to the run that hit it.
	ErrEmptyBuffer = processor.ErrEmptyBuffer
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
)

const (
	feedBuffer = 64

	// DefaultStreamRetainLimit is how many live frames a stream keeps for
	// annotation when Config.StreamRetainLimit is zero.
	DefaultStreamRetainLimit = 300
)

type Config struct {
	ExportDir     string
	AnnotationDir string
	// RetainFrames keeps each processed frame's source image so the session
	// can be annotated afterwards.
	RetainFrames bool
	// StreamRetainLimit caps how many frames a live stream retains; older
	// frames are evicted first. Zero means DefaultStreamRetainLimit and a
	// negative value retains no stream frames. Batch runs keep every frame.
	StreamRetainLimit int
}

type Status struct {
	ID        string         `json:"id"`
	State     State          `json:"state"`
	Run       *RunStatus     `json:"run,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	Tracks    tracker.Counts `json:"tracks"`
}

type Session struct {
	id         string
	config     Config
	logger     *zap.Logger
	dispatcher *processor.Dispatcher
	tracker    *tracker.Tracker

	mu        sync.Mutex
	state     State
	current   *run
	runs      map[string]*run
	lastErr   error
	accepting bool
	closed    bool

	// opsCtx is cancelled by Cancel and Shutdown so exports and
	// annotations in progress remove their partial output.
	opsMu     sync.Mutex
	opsCtx    context.Context
	opsCancel context.CancelFunc

	framesMu sync.RWMutex
	frames   map[uint64]models.Frame
	// streamOrder lists retained stream frame indices, oldest first.
	streamOrder []uint64
}

func New(dispatcher *processor.Dispatcher, tr *tracker.Tracker, config Config, logger *zap.Logger) *Session {
	if config.StreamRetainLimit == 0 {
		config.StreamRetainLimit = DefaultStreamRetainLimit
	}
	id := uuid.NewString()
	s := &Session{
		id:         id,
		config:     config,
		logger:     logger.With(zap.String("session_id", id)),
		dispatcher: dispatcher,
		tracker:    tr,
		state:      StateIdle,
		runs:       make(map[string]*run),
		frames:     make(map[uint64]models.Frame),
	}
	s.opsCtx, s.opsCancel = context.WithCancel(context.Background())
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Tracker() *tracker.Tracker {
	return s.tracker
}

func (s *Session) Dispatcher() *processor.Dispatcher {
	return s.dispatcher
}

func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{ID: s.id, State: s.state}
	if s.current != nil {
		rs := s.current.status()
		st.Run = &rs
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	st.Tracks = s.tracker.Counts()
	return st
}

// Run returns the status of a batch or stream run by ID.
func (s *Session) Run(id string) (RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return RunStatus{}, ErrRunNotFound
	}
	return r.status(), nil
}

// startRun moves the session to running and starts the tracker consuming
// the run's feed. Callers hold s.mu.
func (s *Session) startRun(mode Mode, total int) (*run, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.state == StateRunning {
		return nil, ErrBusy
	}

	r := newRun(mode, total)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	go func() {
		r.trackerDone <- s.tracker.Run(r.ctx, r.feed)
	}()

	s.state = StateRunning
	s.current = r
	s.runs[r.id] = r
	s.lastErr = nil

	s.logger.Info("Run started",
		zap.String("run_id", r.id),
		zap.String("mode", string(mode)),
		zap.Int("total_frames", total))
	return r, nil
}

// emit forwards a finished frame to the tracker. It blocks only while the
// tracker catches up and gives up when the run is cancelled.
func (s *Session) emitter(r *run, frameOf func(models.FrameResult) (models.Frame, bool)) processor.EmitFunc {
	return func(ctx context.Context, fr models.FrameResult) {
		if s.config.RetainFrames && frameOf != nil {
			if frame, ok := frameOf(fr); ok {
				if r.mode == ModeStream {
					s.retainStreamFrame(fr.FrameIndex, frame)
				} else {
					s.retainFrame(fr.FrameIndex, frame)
				}
			}
		}
		select {
		case r.feed <- fr:
			r.progress.record(fr)
		case <-ctx.Done():
		}
	}
}

// finishRun drains the tracker and settles the run. cause is nil on a
// clean finish. No emitter may be running when it is called.
func (s *Session) finishRun(r *run, cause error) {
	close(r.feed)
	trackerErr := <-r.trackerDone

	var outcome RunState
	switch {
	case cause == nil && r.ctx.Err() == nil:
		s.tracker.RecomputeStatistics()
		outcome = RunCompleted
	case cause != nil && !isCancellation(cause):
		s.discard()
		outcome = RunFailed
	default:
		s.discard()
		outcome = RunCancelled
		cause = ErrCancelled
	}
	r.cancel()
	if trackerErr != nil && outcome == RunCompleted {
		s.logger.Warn("Tracker stopped early", zap.Error(trackerErr))
	}

	s.mu.Lock()
	r.finish(outcome, cause)
	switch outcome {
	case RunCompleted:
		s.state = StateCompleted
	case RunFailed:
		s.state = StateIdle
		s.lastErr = cause
	default:
		s.state = StateIdle
	}
	s.accepting = false
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("run_id", r.id),
		zap.String("outcome", string(outcome)),
		zap.Int64("processed", r.progress.processed.Load()),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.logger.Info("Run finished", fields...)

	close(r.done)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled)
}

// discard drops every result and track accumulated so far.
func (s *Session) discard() {
	s.dispatcher.ResetResults()
	s.tracker.ResetAll()
	s.framesMu.Lock()
	s.frames = make(map[uint64]models.Frame)
	s.streamOrder = nil
	s.framesMu.Unlock()
}

// StartBatch processes frames asynchronously and returns the run ID
// immediately. Frame i of the batch gets the i-th index of a contiguous
// block. A frame without an image fails the whole run.
func (s *Session) StartBatch(frames []models.Frame) (string, error) {
	s.mu.Lock()
	r, err := s.startRun(ModeBatch, len(frames))
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	go s.runBatch(r, frames)
	return r.id, nil
}

// ProcessBatch is StartBatch followed by waiting for the run to settle.
func (s *Session) ProcessBatch(ctx context.Context, frames []models.Frame) (RunStatus, error) {
	id, err := s.StartBatch(frames)
	if err != nil {
		return RunStatus{}, err
	}
	return s.Wait(ctx, id)
}

func (s *Session) runBatch(r *run, frames []models.Frame) {
	var base uint64
	var baseSet bool
	frameOf := func(fr models.FrameResult) (models.Frame, bool) {
		// The sequencer emits the batch's block in order, so the first
		// result seen carries the base index.
		if !baseSet {
			base, baseSet = fr.FrameIndex, true
		}
		i := fr.FrameIndex - base
		if i >= uint64(len(frames)) {
			return models.Frame{}, false
		}
		return frames[i], true
	}

	r.progress.submitted.Add(int64(len(frames)))
	_, err := s.dispatcher.RunBatch(r.ctx, frames, s.emitter(r, frameOf))
	s.finishRun(r, err)
}

// StartStream opens a live run. Frames are offered with SubmitFrame until
// Stop or Cancel.
func (s *Session) StartStream() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.startRun(ModeStream, 0)
	if err != nil {
		return "", err
	}
	s.accepting = true
	return r.id, nil
}

// SubmitFrame offers one live frame. It returns false without error when the
// detector is busy and the frame was dropped.
func (s *Session) SubmitFrame(frame models.Frame) (bool, error) {
	s.mu.Lock()
	r := s.current
	if s.state != StateRunning || r == nil {
		s.mu.Unlock()
		return false, ErrNotRunning
	}
	if r.mode != ModeStream {
		s.mu.Unlock()
		return false, ErrWrongMode
	}
	if !s.accepting {
		s.mu.Unlock()
		return false, ErrNotRunning
	}

	r.progress.submitted.Add(1)
	if frame.Image == nil {
		s.accepting = false
		s.mu.Unlock()
		s.endStream(r, ErrEmptyBuffer)
		return false, ErrEmptyBuffer
	}

	frameOf := func(models.FrameResult) (models.Frame, bool) { return frame, true }
	accepted, err := s.dispatcher.Submit(r.ctx, frame, s.emitter(r, frameOf))
	s.mu.Unlock()

	if err != nil {
		return false, err
	}
	if !accepted {
		r.progress.dropped.Add(1)
	}
	return accepted, nil
}

// Stop ends a live run, waiting for the frame in flight to reach the tracker.
func (s *Session) Stop() (RunStatus, error) {
	s.mu.Lock()
	r := s.current
	if s.state != StateRunning || r == nil {
		s.mu.Unlock()
		return RunStatus{}, ErrNotRunning
	}
	if r.mode != ModeStream {
		s.mu.Unlock()
		return RunStatus{}, ErrWrongMode
	}
	s.accepting = false
	s.mu.Unlock()

	s.endStream(r, nil)
	return s.runStatus(r), nil
}

func (s *Session) endStream(r *run, cause error) {
	r.endOnce.Do(func() {
		if cause != nil {
			r.cancel()
		}
		s.dispatcher.Wait()
		s.finishRun(r, cause)
	})
	<-r.done
}

// Wait blocks until the run settles or ctx is done.
func (s *Session) Wait(ctx context.Context, id string) (RunStatus, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return RunStatus{}, ErrRunNotFound
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return s.runStatus(r), ctx.Err()
	}

	st := s.runStatus(r)
	switch st.State {
	case RunCancelled:
		return st, ErrCancelled
	case RunFailed:
		return st, r.failure()
	}
	return st, nil
}

// Cancel stops the current run if there is one, discards its in-flight
// results, clears all tracks and frame results, and aborts exports and
// annotations in progress. The session returns to idle.
func (s *Session) Cancel() error {
	s.mu.Lock()
	r := s.current
	running := s.state == StateRunning && r != nil
	s.accepting = false
	s.mu.Unlock()

	s.resetOps()

	if running {
		r.cancel()
		if r.mode == ModeStream {
			s.endStream(r, ErrCancelled)
		} else {
			<-r.done
		}
	}

	// A run started after the cancelled one settled owns the tracker now.
	s.mu.Lock()
	if s.state != StateRunning {
		s.discard()
		s.state = StateIdle
	}
	s.mu.Unlock()

	s.logger.Info("Session cancelled", zap.Bool("run_interrupted", running))
	return nil
}

// Reset clears tracks and results between runs.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return ErrBusy
	}
	s.discard()
	s.state = StateIdle
	s.lastErr = nil
	s.logger.Info("Session reset")
	return nil
}

// Shutdown cancels any run, waits for it, and closes the dispatcher and its
// detectors. The session cannot be used afterwards.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	r := s.current
	running := s.state == StateRunning && r != nil
	s.accepting = false
	s.mu.Unlock()

	var err error
	if running {
		done := make(chan struct{})
		go func() {
			defer close(done)
			r.cancel()
			if r.mode == ModeStream {
				s.endStream(r, ErrCancelled)
			} else {
				<-r.done
			}
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("waiting for run %s: %w", r.id, ctx.Err()))
		}
	}

	s.opsMu.Lock()
	s.opsCancel()
	s.opsMu.Unlock()

	err = multierr.Append(err, s.dispatcher.Close())
	s.logger.Info("Session shut down", zap.Error(err))
	return err
}

// Tracks recomputes statistics and returns a snapshot of every track.
func (s *Session) Tracks() []models.TrackedItem {
	s.tracker.RecomputeStatistics()
	return s.tracker.TrackedItems()
}

func (s *Session) FrameResults() []models.FrameResult {
	return s.tracker.FrameResults()
}

// WriteCSV streams the current tracks as CSV.
func (s *Session) WriteCSV(ctx context.Context, w io.Writer) error {
	ctx, release := s.opContext(ctx)
	defer release()
	return export.WriteCSV(ctx, w, s.Tracks())
}

// Save exports the current tracks into the export directory and returns the
// file path. Failures leave no file and do not touch the tracks.
func (s *Session) Save(ctx context.Context) (string, error) {
	ctx, release := s.opContext(ctx)
	defer release()

	name := fmt.Sprintf("tracks_%s_%s.csv", s.id[:8], time.Now().UTC().Format("20060102T150405.000"))
	path := filepath.Join(s.config.ExportDir, name)
	if err := export.WriteFile(ctx, path, s.Tracks()); err != nil {
		s.logger.Error("Track export failed", zap.String("path", path), zap.Error(err))
		return "", err
	}

	s.logger.Info("Tracks exported", zap.String("path", path))
	return path, nil
}

// Annotate renders every retained frame with its detections as a PNG
// sequence under the annotation directory and returns the directory. Frame
// results whose image was not retained are skipped.
func (s *Session) Annotate(ctx context.Context) (string, error) {
	ctx, release := s.opContext(ctx)
	defer release()

	results := s.tracker.FrameResults()
	frames := make([]models.Frame, 0, len(results))
	paired := make([]models.FrameResult, 0, len(results))

	s.framesMu.RLock()
	for _, fr := range results {
		if frame, ok := s.frames[fr.FrameIndex]; ok {
			frames = append(frames, frame)
			paired = append(paired, fr)
		}
	}
	s.framesMu.RUnlock()

	name := fmt.Sprintf("annotated_%s_%s", s.id[:8], time.Now().UTC().Format("20060102T150405.000"))
	target := filepath.Join(s.config.AnnotationDir, name)
	sink, err := annotate.NewPNGSequenceSink(target)
	if err != nil {
		return "", err
	}
	if err := annotate.Render(ctx, frames, paired, sink); err != nil {
		s.logger.Error("Annotation failed", zap.String("path", target), zap.Error(err))
		return "", err
	}

	s.logger.Info("Annotated frames written",
		zap.String("path", target),
		zap.Int("frames", len(frames)))
	return target, nil
}

func (s *Session) retainFrame(index uint64, frame models.Frame) {
	s.framesMu.Lock()
	s.frames[index] = frame
	s.framesMu.Unlock()
}

// retainStreamFrame keeps at most StreamRetainLimit live frames, evicting
// the oldest.
func (s *Session) retainStreamFrame(index uint64, frame models.Frame) {
	limit := s.config.StreamRetainLimit
	if limit < 0 {
		return
	}

	s.framesMu.Lock()
	defer s.framesMu.Unlock()
	s.frames[index] = frame
	s.streamOrder = append(s.streamOrder, index)
	for len(s.streamOrder) > limit {
		delete(s.frames, s.streamOrder[0])
		s.streamOrder = s.streamOrder[1:]
	}
}

// RetainedFrames reports how many frame images are held for annotation.
func (s *Session) RetainedFrames() int {
	s.framesMu.RLock()
	defer s.framesMu.RUnlock()
	return len(s.frames)
}

// opContext derives a context that is also cancelled by Cancel and Shutdown.
func (s *Session) opContext(ctx context.Context) (context.Context, func()) {
	s.opsMu.Lock()
	ops := s.opsCtx
	s.opsMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ops, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Session) resetOps() {
	s.opsMu.Lock()
	s.opsCancel()
	s.opsCtx, s.opsCancel = context.WithCancel(context.Background())
	s.opsMu.Unlock()
}

func (s *Session) runStatus(r *run) RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.status()
}
