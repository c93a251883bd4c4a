package cache

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/san-kum/object-tracker/server/models"
)

func TestMemoryCacheGetSet(t *testing.T) {
	c := NewMemoryCache[int](10, time.Minute, zap.NewNop())

	_, err := c.Get("a")
	assert.ErrorIs(t, err, ErrCacheMiss)

	c.Set("a", 1)
	v, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	c.Delete("a")
	_, err = c.Get("a")
	assert.ErrorIs(t, err, ErrCacheMiss)

	stats := c.GetStats()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 2, stats.Misses)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache[string](10, time.Millisecond, zap.NewNop())
	c.Set("a", "x")
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, c.GetStats().Expired)
	_, err := c.Get("a")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Zero(t, c.Len())
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache[int](2, time.Minute, zap.NewNop())
	c.Set("a", 1)
	time.Sleep(time.Millisecond)
	c.Set("b", 2)
	time.Sleep(time.Millisecond)
	_, err := c.Get("a")
	require.NoError(t, err)

	c.Set("c", 3)

	assert.Equal(t, 2, c.Len())
	_, err = c.Get("b")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get("a")
	assert.NoError(t, err)
}

func TestMemoryCacheRunRemovesExpired(t *testing.T) {
	c := NewMemoryCache[int](10, time.Millisecond, zap.NewNop())
	c.Set("a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx, time.Millisecond)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)
}

type countingDetector struct {
	calls atomic.Int32
	err   error
}

func (d *countingDetector) Analyze(ctx context.Context, img image.Image) ([]models.RawDetection, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return []models.RawDetection{{Label: "car", Confidence: 0.9}}, nil
}

func TestCachedDetector(t *testing.T) {
	inner := &countingDetector{}
	store := NewMemoryCache[[]models.RawDetection](10, time.Minute, zap.NewNop())
	det := NewCachedDetector(inner, store)

	white := imaging.New(4, 4, color.White)
	black := imaging.New(4, 4, color.Black)

	for i := 0; i < 3; i++ {
		got, err := det.Analyze(context.Background(), white)
		require.NoError(t, err)
		require.Len(t, got, 1)
		got[0].Label = "mutated"
	}
	_, err := det.Analyze(context.Background(), black)
	require.NoError(t, err)

	assert.EqualValues(t, 2, inner.calls.Load())
	got, err := det.Analyze(context.Background(), white)
	require.NoError(t, err)
	assert.Equal(t, "car", got[0].Label, "cached results are not shared with callers")
}

func TestCachedDetectorSkipsErrors(t *testing.T) {
	inner := &countingDetector{err: errors.New("down")}
	store := NewMemoryCache[[]models.RawDetection](10, time.Minute, zap.NewNop())
	det := NewCachedDetector(inner, store)

	img := imaging.New(2, 2, color.White)
	_, err := det.Analyze(context.Background(), img)
	require.Error(t, err)
	_, err = det.Analyze(context.Background(), img)
	require.Error(t, err)

	assert.EqualValues(t, 2, inner.calls.Load())
	assert.Zero(t, store.Len())
}

func TestFingerprint(t *testing.T) {
	a := imaging.New(3, 3, color.White)
	b := imaging.New(3, 3, color.White)
	c := imaging.New(3, 4, color.White)

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))

	gray := image.NewGray(image.Rect(0, 0, 1, 1))
	gray.Pix[0] = 7
	other := image.NewGray(image.Rect(0, 0, 1, 1))
	other.Pix[0] = 8
	assert.NotEqual(t, Fingerprint(gray), Fingerprint(other))
}
