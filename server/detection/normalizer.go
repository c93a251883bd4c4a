// Package detection turns raw detector output into per-frame results in the
// three coordinate spaces the rest of the pipeline uses.
package detection

import (
	"math"
	"time"

	"github.com/san-kum/object-tracker/server/models"
)

// DefaultConfidenceThreshold is the minimum confidence a raw detection needs
// to become a Detection.
const DefaultConfidenceThreshold float32 = 0.6

// Normalizer is a pure function of its threshold and inputs.
type Normalizer struct {
	threshold float32
}

func NewNormalizer(threshold float32) *Normalizer {
	return &Normalizer{threshold: threshold}
}

func (n *Normalizer) Threshold() float32 {
	return n.threshold
}

// Normalize maps one raw detection through the letterbox geometry. It
// returns false when the detection is below threshold; no Detection is built
// in that case.
func (n *Normalizer) Normalize(raw models.RawDetection, g models.PaddingGeometry) (models.Detection, bool) {
	if raw.Confidence < n.threshold || math.IsNaN(float64(raw.Confidence)) {
		return models.Detection{}, false
	}

	topLeft := raw.Box.FlipVertical()
	padded := topLeft.Scale(float64(g.SquareSide))

	shifted := models.Box{
		X:      padded.X - float64(g.PadLeft),
		Y:      padded.Y - float64(g.PadTop),
		Width:  padded.Width,
		Height: padded.Height,
	}
	original := clampBox(shifted, float64(g.SourceWidth), float64(g.SourceHeight))

	return models.Detection{
		Label:         raw.Label,
		Confidence:    raw.Confidence,
		NormalizedBox: raw.Box,
		PaddedBox:     padded,
		OriginalBox:   original,
		Center:        original.Center(),
		ColorBucket:   BucketFor(raw.Confidence),
	}, true
}

// NormalizeFrame builds the FrameResult for one frame.
func (n *Normalizer) NormalizeFrame(index uint64, latency time.Duration, g models.PaddingGeometry, raws []models.RawDetection) models.FrameResult {
	detections := make([]models.Detection, 0, len(raws))
	for _, raw := range raws {
		if d, ok := n.Normalize(raw, g); ok {
			detections = append(detections, d)
		}
	}

	return models.FrameResult{
		FrameIndex:      index,
		AnalysisLatency: latency,
		Geometry:        g,
		Detections:      detections,
	}
}

// clampBox keeps both corners inside [0,w]x[0,h]; width and height never go negative.
func clampBox(b models.Box, w, h float64) models.Box {
	x0 := clamp(b.X, 0, w)
	y0 := clamp(b.Y, 0, h)
	x1 := clamp(b.X+b.Width, 0, w)
	y1 := clamp(b.Y+b.Height, 0, h)

	return models.Box{
		X:      x0,
		Y:      y0,
		Width:  math.Max(0, x1-x0),
		Height: math.Max(0, y1-y0),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
