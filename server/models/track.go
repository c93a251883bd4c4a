package models

// TrackedItem is one object followed across frames. The history slices are
// authoritative; everything under "derived" is recomputed from them.
type TrackedItem struct {
	Label      string `json:"label"`
	Key        uint32 `json:"key"`
	Start      uint64 `json:"start"`
	Finish     uint64 `json:"finish"`
	IsComplete bool   `json:"is_complete"`
	LastBox    Box    `json:"last_box"`

	ConfidenceSamples []float64 `json:"confidence_samples"`
	MovementHistoryX  []float64 `json:"movement_history_x"`
	MovementHistoryY  []float64 `json:"movement_history_y"`

	// derived
	NetMovementX   float64   `json:"net_movement_x"`
	NetMovementY   float64   `json:"net_movement_y"`
	TotalMovementX float64   `json:"total_movement_x"`
	TotalMovementY float64   `json:"total_movement_y"`
	Distance       float64   `json:"distance"`
	Displacement   float64   `json:"displacement"`
	Speed          float64   `json:"speed"`
	Direction      Direction `json:"direction"`
	Confidence     float64   `json:"confidence"`
}

// Clone deep-copies the item so callers can read it without holding the tracker lock.
func (t *TrackedItem) Clone() TrackedItem {
	out := *t
	out.ConfidenceSamples = cloneFloats(t.ConfidenceSamples)
	out.MovementHistoryX = cloneFloats(t.MovementHistoryX)
	out.MovementHistoryY = cloneFloats(t.MovementHistoryY)
	return out
}

// Span is the number of frames between the first and last sighting.
func (t *TrackedItem) Span() uint64 {
	if t.Finish < t.Start {
		return 0
	}
	return t.Finish - t.Start
}

func cloneFloats(in []float64) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	copy(out, in)
	return out
}

type Direction string

const (
	DirectionStationary Direction = "stationary"
	DirectionUp         Direction = "up"
	DirectionDown       Direction = "down"
	DirectionLeft       Direction = "left"
	DirectionRight      Direction = "right"
)
