package annotate

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"
)

// PNGSequenceSink writes frames as numbered PNG files. Frames land in a
// temporary sibling directory which is renamed to the target on Commit.
type PNGSequenceSink struct {
	target string
	tmp    string

	mu     sync.Mutex
	count  int
	closed bool
}

func NewPNGSequenceSink(target string) (*PNGSequenceSink, error) {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(target); err == nil {
		return nil, fmt.Errorf("annotation output %s already exists", target)
	}

	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &PNGSequenceSink{target: target, tmp: tmp}, nil
}

func (s *PNGSequenceSink) WriteFrame(index uint64, img image.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink for %s is closed", s.target)
	}

	name := filepath.Join(s.tmp, fmt.Sprintf("frame_%06d.png", index))
	if err := imaging.Save(img, name); err != nil {
		return err
	}
	s.count++
	return nil
}

func (s *PNGSequenceSink) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink for %s is closed", s.target)
	}
	s.closed = true
	if err := os.Rename(s.tmp, s.target); err != nil {
		os.RemoveAll(s.tmp)
		return err
	}
	return nil
}

// Abort removes everything written so far. It is safe to call after Commit
// and more than once.
func (s *PNGSequenceSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return os.RemoveAll(s.tmp)
}

// Count is the number of frames written.
func (s *PNGSequenceSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *PNGSequenceSink) Target() string {
	return s.target
}
