// Package framesource turns images into letterboxed detector frames.
package framesource

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/san-kum/object-tracker/server/models"
)

var (
	ErrInvalidDataURL = errors.New("invalid data URL format")
	ErrEmptyImage     = errors.New("image has no pixels")
	ErrTooManyFrames  = errors.New("directory holds more frames than allowed")
)

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff"}

// Letterbox pads img with black bars onto a square canvas whose side is the
// longer source dimension, centering the source. When inputSide is positive
// the canvas is then resized to inputSide x inputSide. The returned geometry
// is always expressed in source pixels.
func Letterbox(img image.Image, inputSide int) (models.Frame, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return models.Frame{}, ErrEmptyImage
	}

	side := max(w, h)
	padLeft := (side - w) / 2
	padTop := (side - h) / 2

	canvas := imaging.New(side, side, color.Black)
	canvas = imaging.Paste(canvas, img, image.Pt(padLeft, padTop))

	var padded image.Image = canvas
	if inputSide > 0 && inputSide != side {
		padded = imaging.Resize(canvas, inputSide, inputSide, imaging.Linear)
	}

	return models.Frame{
		Image:    padded,
		Original: img,
		Geometry: models.PaddingGeometry{
			PadLeft:      padLeft,
			PadRight:     side - w - padLeft,
			PadTop:       padTop,
			PadBottom:    side - h - padTop,
			SourceWidth:  w,
			SourceHeight: h,
			SquareSide:   side,
		},
	}, nil
}

// DecodeDataURL decodes a "data:image/...;base64,..." string, or bare base64,
// into an image.
func DecodeDataURL(dataURL string) (image.Image, error) {
	payload := dataURL
	if strings.HasPrefix(dataURL, "data:") {
		_, after, ok := strings.Cut(dataURL, ",")
		if !ok {
			return nil, ErrInvalidDataURL
		}
		payload = after
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return Decode(raw)
}

// Decode reads an encoded image, applying any EXIF orientation.
func Decode(raw []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// ListDir returns the image files in dir sorted by name. Frame order in a
// batch is the name order.
func ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	slices.Sort(paths)
	return paths, nil
}

// LoadDir opens and letterboxes every image in dir. When limit is positive
// and dir holds more images than that, nothing is decoded and
// ErrTooManyFrames is returned.
func LoadDir(dir string, inputSide, limit int) ([]models.Frame, error) {
	paths, err := ListDir(dir)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(paths) > limit {
		return nil, fmt.Errorf("%w: %d images, limit %d", ErrTooManyFrames, len(paths), limit)
	}

	frames := make([]models.Frame, 0, len(paths))
	for _, path := range paths {
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		frame, err := Letterbox(img, inputSide)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func isImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return slices.Contains(imageExtensions, ext)
}
