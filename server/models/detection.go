package models

import (
	"image"
	"math"
	"time"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance between p and q.
func (p Point) Distance(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Box is an axis-aligned rectangle given by its origin corner and size. The
// origin convention (bottom-left or top-left) depends on where the box came from.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b Box) Center() Point {
	return Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

func (b Box) IsZero() bool {
	return b == Box{}
}

// FlipVertical reflects a unit-square box between bottom-left and top-left origin.
func (b Box) FlipVertical() Box {
	return Box{X: b.X, Y: 1 - (b.Y + b.Height), Width: b.Width, Height: b.Height}
}

// Scale multiplies every component by s.
func (b Box) Scale(s float64) Box {
	return Box{X: b.X * s, Y: b.Y * s, Width: b.Width * s, Height: b.Height * s}
}

// RawDetection is what a detector returns for one object: the box is
// unit-normalized with a bottom-left origin.
type RawDetection struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	Box        Box     `json:"box"`
}

// PaddingGeometry records how a source frame was letterboxed onto a square
// canvas before being handed to the detector.
type PaddingGeometry struct {
	PadLeft      int `json:"pad_left"`
	PadRight     int `json:"pad_right"`
	PadTop       int `json:"pad_top"`
	PadBottom    int `json:"pad_bottom"`
	SourceWidth  int `json:"source_width"`
	SourceHeight int `json:"source_height"`
	SquareSide   int `json:"square_side"`
}

// Frame is one buffer from a frame source. Image is the square padded
// canvas given to the detector; Original, when set, is the unpadded source
// used for annotation.
type Frame struct {
	Image    image.Image
	Original image.Image
	Geometry PaddingGeometry
}

type ColorBucket string

const (
	ColorHigh   ColorBucket = "high"
	ColorMedium ColorBucket = "medium"
	ColorLow    ColorBucket = "low"
)

type Detection struct {
	Label         string      `json:"label"`
	Confidence    float32     `json:"confidence"`
	NormalizedBox Box         `json:"normalized_box"`
	PaddedBox     Box         `json:"padded_box"`
	OriginalBox   Box         `json:"original_box"`
	Center        Point       `json:"center"`
	ColorBucket   ColorBucket `json:"color_bucket"`
}

// TopLeftBox returns the normalized box in unit-square, top-left-origin
// coordinates. Tracking runs in this space.
func (d Detection) TopLeftBox() Box {
	return d.NormalizedBox.FlipVertical()
}

// FrameResult is the normalized output for one processed frame. It is not
// modified after construction.
type FrameResult struct {
	FrameIndex      uint64          `json:"frame_index"`
	AnalysisLatency time.Duration   `json:"analysis_latency"`
	Geometry        PaddingGeometry `json:"geometry"`
	Detections      []Detection     `json:"detections"`
	Failed          bool            `json:"failed,omitempty"`
}

// Clone returns a copy that shares nothing mutable with fr.
func (fr FrameResult) Clone() FrameResult {
	out := fr
	if fr.Detections != nil {
		out.Detections = make([]Detection, len(fr.Detections))
		copy(out.Detections, fr.Detections)
	}
	return out
}
