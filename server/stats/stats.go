// Package stats derives motion statistics from a track's raw history.
//
// Everything here is recomputed from the movement and confidence samples on
// every call; nothing is accumulated incrementally, so calling Compute twice
// on unchanged history gives identical results.
package stats

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/san-kum/object-tracker/server/models"
)

// DefaultDirectionDeadband is the per-axis mean step below which an axis
// counts as not moving.
const DefaultDirectionDeadband = 0.001

// Compute fills the derived fields of item from its history.
//
// Distance is the sum of per-axis absolute steps (an L1 path length), not
// the Euclidean length of each step. A step that moves on both axes counts
// both components in full.
//
// Confidence divides the summed samples by the frame span rather than by the
// number of samples, so tracks with missed frames score lower than their
// mean sample. This policy is kept on purpose and is pending review.
func Compute(item *models.TrackedItem, deadband float64) {
	item.NetMovementX = floats.Sum(item.MovementHistoryX)
	item.NetMovementY = floats.Sum(item.MovementHistoryY)
	item.TotalMovementX = floats.Norm(item.MovementHistoryX, 1)
	item.TotalMovementY = floats.Norm(item.MovementHistoryY, 1)

	item.Displacement = math.Hypot(item.NetMovementX, item.NetMovementY)
	item.Distance = item.TotalMovementX + item.TotalMovementY

	span := spanDivisor(item)
	item.Speed = item.Distance / span
	item.Confidence = floats.Sum(item.ConfidenceSamples) / span

	item.Direction = DirectionOf(item, deadband)
}

// DirectionOf classifies the mean per-frame step of item.
func DirectionOf(item *models.TrackedItem, deadband float64) models.Direction {
	n := len(item.MovementHistoryX)
	if n == 0 || len(item.MovementHistoryY) != n {
		return models.DirectionStationary
	}
	meanX := floats.Sum(item.MovementHistoryX) / float64(n)
	meanY := floats.Sum(item.MovementHistoryY) / float64(n)
	return Classify(meanX, meanY, deadband)
}

// Classify maps a mean step to a direction. Positive y is up, positive x is
// right. The vertical component comes first in combined names, e.g. "up-left".
func Classify(meanX, meanY, deadband float64) models.Direction {
	var vertical, horizontal models.Direction
	switch {
	case meanY > deadband:
		vertical = models.DirectionUp
	case meanY < -deadband:
		vertical = models.DirectionDown
	}
	switch {
	case meanX > deadband:
		horizontal = models.DirectionRight
	case meanX < -deadband:
		horizontal = models.DirectionLeft
	}

	switch {
	case vertical != "" && horizontal != "":
		return vertical + "-" + horizontal
	case vertical != "":
		return vertical
	case horizontal != "":
		return horizontal
	default:
		return models.DirectionStationary
	}
}

func spanDivisor(item *models.TrackedItem) float64 {
	return math.Max(1, float64(item.Span()))
}
