package annotate

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/object-tracker/server/detection"
	"github.com/san-kum/object-tracker/server/models"
)

func testFrame() (models.Frame, models.FrameResult) {
	original := imaging.New(100, 80, color.Black)
	frame := models.Frame{
		Image:    imaging.New(100, 100, color.Black),
		Original: original,
		Geometry: models.PaddingGeometry{PadTop: 10, PadBottom: 10, SourceWidth: 100, SourceHeight: 80, SquareSide: 100},
	}
	result := models.FrameResult{
		FrameIndex: 3,
		Geometry:   frame.Geometry,
		Detections: []models.Detection{{
			Label:       "car",
			Confidence:  0.9,
			OriginalBox: models.Box{X: 20, Y: 30, Width: 40, Height: 30},
			PaddedBox:   models.Box{X: 20, Y: 40, Width: 40, Height: 30},
			ColorBucket: models.ColorHigh,
		}},
	}
	return frame, result
}

func TestDrawOutlinesDetection(t *testing.T) {
	frame, result := testFrame()

	out := Draw(frame, result)

	assert.Equal(t, image.Rect(0, 0, 100, 80), out.Bounds())
	want := detection.RGBA(models.ColorHigh)
	r, g, b, _ := out.At(40, 60).RGBA()
	assert.InDelta(t, uint32(want.R)*0x101, r, 0x800)
	assert.InDelta(t, uint32(want.G)*0x101, g, 0x800)
	assert.InDelta(t, uint32(want.B)*0x101, b, 0x800)

	r, g, b, _ = out.At(40, 45).RGBA()
	assert.Zero(t, r+g+b, "box interior stays untouched")

	r, _, _, _ = frame.Original.At(40, 60).RGBA()
	assert.Zero(t, r, "source image must not be modified")
}

func TestDrawWithoutOriginal(t *testing.T) {
	frame, result := testFrame()
	frame.Original = nil

	out := Draw(frame, result)

	assert.Equal(t, image.Rect(0, 0, 100, 100), out.Bounds())
	r, _, _, _ := out.At(40, 70).RGBA()
	assert.NotZero(t, r)
}

func TestRenderCommits(t *testing.T) {
	frame, result := testFrame()
	target := filepath.Join(t.TempDir(), "annotated")
	sink, err := NewPNGSequenceSink(target)
	require.NoError(t, err)

	second := result
	second.FrameIndex = 4
	require.NoError(t, Render(context.Background(), []models.Frame{frame, frame}, []models.FrameResult{result, second}, sink))

	assert.Equal(t, 2, sink.Count())
	assert.FileExists(t, filepath.Join(target, "frame_000003.png"))
	assert.FileExists(t, filepath.Join(target, "frame_000004.png"))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRenderAbortsOnCancel(t *testing.T) {
	frame, result := testFrame()
	parent := t.TempDir()
	sink, err := NewPNGSequenceSink(filepath.Join(parent, "annotated"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = Render(ctx, []models.Frame{frame}, []models.FrameResult{result}, sink)
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRenderLengthMismatch(t *testing.T) {
	frame, _ := testFrame()
	sink := &recordingSink{}

	err := Render(context.Background(), []models.Frame{frame}, nil, sink)

	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.True(t, sink.aborted)
	assert.False(t, sink.committed)
}

func TestRenderWriteFailure(t *testing.T) {
	frame, result := testFrame()
	sink := &recordingSink{failAt: 1}

	err := Render(context.Background(), []models.Frame{frame, frame}, []models.FrameResult{result, result}, sink)

	require.Error(t, err)
	assert.Equal(t, 1, sink.written)
	assert.True(t, sink.aborted)
}

func TestNewPNGSequenceSinkExistingTarget(t *testing.T) {
	target := t.TempDir()
	_, err := NewPNGSequenceSink(target)
	assert.Error(t, err)
}

type recordingSink struct {
	failAt    int
	written   int
	committed bool
	aborted   bool
}

func (s *recordingSink) WriteFrame(uint64, image.Image) error {
	if s.failAt > 0 && s.written == s.failAt {
		return errors.New("disk full")
	}
	s.written++
	return nil
}

func (s *recordingSink) Commit() error {
	s.committed = true
	return nil
}

func (s *recordingSink) Abort() error {
	s.aborted = true
	return nil
}
