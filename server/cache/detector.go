package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"image"
	"io"
	"slices"

	"github.com/san-kum/object-tracker/server/models"
	"github.com/san-kum/object-tracker/server/processor"
)

// CachedDetector answers repeated frames from a shared cache keyed by a
// fingerprint of the pixels. Only successful results are cached.
type CachedDetector struct {
	next  processor.Detector
	store *MemoryCache[[]models.RawDetection]
}

func NewCachedDetector(next processor.Detector, store *MemoryCache[[]models.RawDetection]) *CachedDetector {
	return &CachedDetector{next: next, store: store}
}

// WrapFactory decorates every detector a factory builds with the same store.
func WrapFactory(factory processor.DetectorFactory, store *MemoryCache[[]models.RawDetection]) processor.DetectorFactory {
	return func(slot int) (processor.Detector, error) {
		det, err := factory(slot)
		if err != nil {
			return nil, err
		}
		return NewCachedDetector(det, store), nil
	}
}

func (d *CachedDetector) Analyze(ctx context.Context, img image.Image) ([]models.RawDetection, error) {
	key := Fingerprint(img)
	if raws, err := d.store.Get(key); err == nil {
		return slices.Clone(raws), nil
	}

	raws, err := d.next.Analyze(ctx, img)
	if err != nil {
		return nil, err
	}
	d.store.Set(key, slices.Clone(raws))
	return raws, nil
}

func (d *CachedDetector) Close() error {
	if c, ok := d.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Fingerprint hashes the bounds and pixels of img.
func Fingerprint(img image.Image) string {
	h := sha256.New()
	b := img.Bounds()
	var hdr [32]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(int64(b.Min.X)))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(int64(b.Min.Y)))
	binary.LittleEndian.PutUint64(hdr[16:], uint64(int64(b.Max.X)))
	binary.LittleEndian.PutUint64(hdr[24:], uint64(int64(b.Max.Y)))
	h.Write(hdr[:])

	switch m := img.(type) {
	case *image.NRGBA:
		h.Write(m.Pix)
	case *image.RGBA:
		h.Write(m.Pix)
	case *image.Gray:
		h.Write(m.Pix)
	default:
		var px [8]byte
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, a := img.At(x, y).RGBA()
				binary.LittleEndian.PutUint16(px[0:], uint16(r))
				binary.LittleEndian.PutUint16(px[2:], uint16(g))
				binary.LittleEndian.PutUint16(px[4:], uint16(bl))
				binary.LittleEndian.PutUint16(px[6:], uint16(a))
				h.Write(px[:])
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
