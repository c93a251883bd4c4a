package detection

import (
	"image/color"

	"github.com/san-kum/object-tracker/server/models"
)

// BucketFor is presentation only; nothing downstream of the normalizer
// branches on it.
func BucketFor(confidence float32) models.ColorBucket {
	switch {
	case confidence >= 0.85:
		return models.ColorHigh
	case confidence >= 0.7:
		return models.ColorMedium
	default:
		return models.ColorLow
	}
}

// RGBA returns the stroke color used when drawing a detection of this bucket.
func RGBA(bucket models.ColorBucket) color.RGBA {
	switch bucket {
	case models.ColorHigh:
		return color.RGBA{R: 46, G: 204, B: 113, A: 255}
	case models.ColorMedium:
		return color.RGBA{R: 241, G: 196, B: 15, A: 255}
	default:
		return color.RGBA{R: 231, G: 76, B: 60, A: 255}
	}
}
