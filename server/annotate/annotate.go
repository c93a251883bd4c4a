// Package annotate draws detections onto frames and writes the result to a
// frame sink.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/fogleman/gg"
	"go.uber.org/multierr"

	"github.com/san-kum/object-tracker/server/detection"
	"github.com/san-kum/object-tracker/server/models"
)

const (
	strokeWidth = 2
	labelMargin = 4
)

var ErrLengthMismatch = errors.New("frame and result counts differ")

// FrameSink receives annotated frames in order. Commit publishes everything
// written so far; Abort discards it. Exactly one of them is called.
type FrameSink interface {
	WriteFrame(index uint64, img image.Image) error
	Commit() error
	Abort() error
}

// Draw returns a copy of the frame with every detection outlined in its
// confidence color and captioned with its label and confidence. Boxes are
// drawn in source pixels on frame.Original; if the frame has no original the
// padded boxes are drawn on the detector canvas instead.
func Draw(frame models.Frame, result models.FrameResult) image.Image {
	base := frame.Original
	useOriginal := base != nil
	if !useOriginal {
		base = frame.Image
	}

	dc := gg.NewContextForImage(base)
	scale := 1.0
	if !useOriginal && result.Geometry.SquareSide > 0 {
		scale = float64(base.Bounds().Dx()) / float64(result.Geometry.SquareSide)
	}

	dc.SetLineWidth(strokeWidth)
	for _, d := range result.Detections {
		box := d.OriginalBox
		if !useOriginal {
			box = d.PaddedBox.Scale(scale)
		}
		if box.Width <= 0 || box.Height <= 0 {
			continue
		}

		dc.SetColor(detection.RGBA(d.ColorBucket))
		dc.DrawRectangle(box.X, box.Y, box.Width, box.Height)
		dc.Stroke()

		caption := fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
		tw, th := dc.MeasureString(caption)
		y := box.Y - labelMargin
		if y-th < 0 {
			y = box.Y + th + labelMargin
		}
		dc.DrawRectangle(box.X, y-th-labelMargin/2, tw+labelMargin, th+labelMargin)
		dc.Fill()
		dc.SetRGB(1, 1, 1)
		dc.DrawString(caption, box.X+labelMargin/2, y)
	}

	return dc.Image()
}

// Render pairs frames with results by position and writes each annotated
// frame to sink. On any failure or cancellation the sink is aborted so no
// partial output remains.
func Render(ctx context.Context, frames []models.Frame, results []models.FrameResult, sink FrameSink) (err error) {
	defer func() {
		if err != nil {
			err = multierr.Append(err, sink.Abort())
		}
	}()

	if len(frames) != len(results) {
		return fmt.Errorf("%w: %d frames, %d results", ErrLengthMismatch, len(frames), len(results))
	}

	for i := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink.WriteFrame(results[i].FrameIndex, Draw(frames[i], results[i])); err != nil {
			return fmt.Errorf("failed to write frame %d: %w", results[i].FrameIndex, err)
		}
	}

	return sink.Commit()
}
