package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/san-kum/object-tracker/server/detection"
	"github.com/san-kum/object-tracker/server/models"
)

var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrBusy             = errors.New("detection already in flight")
	ErrEmptyBuffer      = errors.New("frame has no image buffer")
)

// EmitFunc receives finished frame results. The dispatcher calls it in frame
// index order for a batch and once per accepted frame when streaming.
type EmitFunc func(ctx context.Context, fr models.FrameResult)

// Dispatcher assigns frames to pooled detectors and is the only source of
// frame indices.
type Dispatcher struct {
	pool       *DetectorPool
	normalizer *detection.Normalizer
	logger     *zap.Logger
	results    *ResultStore
	stats      *dispatcherStats

	indexMu   sync.Mutex
	nextIndex uint64

	// inFlight is the single-flight gate. A batch holds it for its whole run.
	inFlight atomic.Bool
	closed   atomic.Bool
	wg       sync.WaitGroup
}

func NewDispatcher(pool *DetectorPool, normalizer *detection.Normalizer, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		pool:       pool,
		normalizer: normalizer,
		logger:     logger,
		results:    NewResultStore(),
		stats:      newDispatcherStats(pool.Size()),
	}
}

func (d *Dispatcher) PoolSize() int {
	return d.pool.Size()
}

// Results returns every collected frame result in frame index order.
func (d *Dispatcher) Results() []models.FrameResult {
	return d.results.Ordered()
}

func (d *Dispatcher) ResetResults() {
	d.results.Reset()
}

func (d *Dispatcher) reserveIndices(n int) uint64 {
	d.indexMu.Lock()
	base := d.nextIndex
	d.nextIndex += uint64(n)
	d.indexMu.Unlock()
	return base
}

// RunBatch partitions frames across the pool by index mod pool size. Worker
// w owns detector w for the whole batch. The returned slice is aligned with
// frames: result i belongs to frames[i]. emit, if set, sees results in frame
// index order as soon as every earlier frame has finished.
func (d *Dispatcher) RunBatch(ctx context.Context, frames []models.Frame, emit EmitFunc) ([]models.FrameResult, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	for i, f := range frames {
		if f.Image == nil {
			return nil, fmt.Errorf("frame %d: %w", i, ErrEmptyBuffer)
		}
	}
	if len(frames) == 0 {
		return []models.FrameResult{}, nil
	}
	if !d.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer d.inFlight.Store(false)

	n := len(frames)
	base := d.reserveIndices(n)
	slots := make([]models.FrameResult, n)
	seq := newSequencer(base, emit)
	workers := d.pool.Size()

	d.logger.Info("Batch dispatch started",
		zap.Int("frames", n),
		zap.Int("workers", workers),
		zap.Uint64("first_frame_index", base))

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		det := d.pool.At(w)
		g.Go(func() error {
			for i := w; i < n; i += workers {
				if err := gctx.Err(); err != nil {
					return err
				}
				d.stats.submitted.Add(1)
				d.stats.accepted.Add(1)
				fr := d.analyze(gctx, det, base+uint64(i), frames[i])
				slots[i] = fr
				d.results.Put(fr)
				seq.put(gctx, fr)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		d.logger.Info("Batch dispatch aborted", zap.Error(err))
		return nil, err
	}

	return slots, nil
}

// Submit offers one live frame. It is accepted only when no detection is in
// flight; otherwise the frame is dropped and Submit returns false.
func (d *Dispatcher) Submit(ctx context.Context, frame models.Frame, emit EmitFunc) (bool, error) {
	if d.closed.Load() {
		return false, ErrDispatcherClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if frame.Image == nil {
		return false, ErrEmptyBuffer
	}

	d.stats.submitted.Add(1)
	if !d.inFlight.CompareAndSwap(false, true) {
		d.stats.dropped.Add(1)
		d.logger.Debug("Frame dropped, detector busy")
		return false, nil
	}
	d.stats.accepted.Add(1)

	index := d.reserveIndices(1)
	det := d.pool.Next()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inFlight.Store(false)

		fr := d.analyze(ctx, det, index, frame)
		if ctx.Err() != nil {
			return
		}
		d.results.Put(fr)
		if emit != nil {
			emit(ctx, fr)
		}
	}()

	return true, nil
}

// Busy reports whether a detection is currently in flight.
func (d *Dispatcher) Busy() bool {
	return d.inFlight.Load()
}

// Wait blocks until in-flight streaming detections have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// analyze never fails: detector errors and panics become an empty,
// failed result and the frame index is still consumed.
func (d *Dispatcher) analyze(ctx context.Context, det Detector, index uint64, frame models.Frame) (fr models.FrameResult) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Detector panic", zap.Uint64("frame_index", index), zap.Any("panic", r))
			fr = d.failedResult(index, time.Since(start), frame.Geometry)
		}
	}()

	raws, err := det.Analyze(ctx, frame.Image)
	latency := time.Since(start)
	if err != nil {
		d.logger.Warn("Detection failed",
			zap.Uint64("frame_index", index),
			zap.Error(err))
		return d.failedResult(index, latency, frame.Geometry)
	}

	d.stats.processed.Add(1)
	d.stats.recordLatency(latency)
	return d.normalizer.NormalizeFrame(index, latency, frame.Geometry, raws)
}

func (d *Dispatcher) failedResult(index uint64, latency time.Duration, g models.PaddingGeometry) models.FrameResult {
	d.stats.failed.Add(1)
	return models.FrameResult{
		FrameIndex:      index,
		AnalysisLatency: latency,
		Geometry:        g,
		Detections:      []models.Detection{},
		Failed:          true,
	}
}

func (d *Dispatcher) GetStats() DispatcherStats {
	stats := d.stats.snapshot()
	stats.InFlight = d.inFlight.Load()
	stats.CollectedResults = d.results.Len()
	return stats
}

// Close stops accepting frames, waits for in-flight work and closes the pool.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.wg.Wait()
	return d.pool.Close()
}
