package processor

import (
	"context"
	"fmt"
	"image"
	"io"
	"sync"

	"go.uber.org/multierr"

	"github.com/san-kum/object-tracker/server/models"
)

const maxPoolSize = 4

// Detector runs object detection on one padded square frame. Implementations
// need not be safe for concurrent use; the pool never hands one detector to
// two callers at the same time.
type Detector interface {
	Analyze(ctx context.Context, img image.Image) ([]models.RawDetection, error)
}

// DetectorFactory builds the detector for pool slot i.
type DetectorFactory func(slot int) (Detector, error)

// PoolSize clamps the available parallelism to [1, 4].
func PoolSize(parallelism int) int {
	if parallelism < 1 {
		return 1
	}
	if parallelism > maxPoolSize {
		return maxPoolSize
	}
	return parallelism
}

// DetectorPool owns a fixed set of detector instances.
type DetectorPool struct {
	detectors []Detector

	mu   sync.Mutex
	next int
}

func NewDetectorPool(size int, factory DetectorFactory) (*DetectorPool, error) {
	size = PoolSize(size)
	pool := &DetectorPool{detectors: make([]Detector, 0, size)}

	for i := 0; i < size; i++ {
		det, err := factory(i)
		if err != nil {
			closeErr := pool.Close()
			return nil, multierr.Append(fmt.Errorf("failed to create detector %d: %w", i, err), closeErr)
		}
		pool.detectors = append(pool.detectors, det)
	}

	return pool, nil
}

func (p *DetectorPool) Size() int {
	return len(p.detectors)
}

// At returns the detector owned by batch worker i.
func (p *DetectorPool) At(i int) Detector {
	return p.detectors[i%len(p.detectors)]
}

// Next hands out detectors round-robin.
func (p *DetectorPool) Next() Detector {
	p.mu.Lock()
	det := p.detectors[p.next]
	p.next = (p.next + 1) % len(p.detectors)
	p.mu.Unlock()
	return det
}

// Close closes every detector that implements io.Closer.
func (p *DetectorPool) Close() error {
	var err error
	for _, det := range p.detectors {
		if c, ok := det.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
