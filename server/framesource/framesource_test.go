package framesource

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/san-kum/object-tracker/server/models"
)

func solid(w, h int, c color.Color) image.Image {
	return imaging.New(w, h, c)
}

func TestLetterboxLandscape(t *testing.T) {
	frame, err := Letterbox(solid(640, 480, color.White), 0)
	require.NoError(t, err)

	assert.Equal(t, models.PaddingGeometry{
		PadLeft:      0,
		PadRight:     0,
		PadTop:       80,
		PadBottom:    80,
		SourceWidth:  640,
		SourceHeight: 480,
		SquareSide:   640,
	}, frame.Geometry)
	assert.Equal(t, 640, frame.Image.Bounds().Dx())
	assert.Equal(t, 640, frame.Image.Bounds().Dy())

	r, g, b, _ := frame.Image.At(320, 10).RGBA()
	assert.Zero(t, r+g+b, "padding should be black")
	r, _, _, _ = frame.Image.At(320, 320).RGBA()
	assert.Equal(t, uint32(0xffff), r, "source pixels should be copied")
}

func TestLetterboxOddPortrait(t *testing.T) {
	frame, err := Letterbox(solid(101, 200, color.White), 0)
	require.NoError(t, err)

	g := frame.Geometry
	assert.Equal(t, 200, g.SquareSide)
	assert.Equal(t, 49, g.PadLeft)
	assert.Equal(t, 50, g.PadRight)
	assert.Equal(t, g.SquareSide, g.PadLeft+g.SourceWidth+g.PadRight)
	assert.Zero(t, g.PadTop+g.PadBottom)
}

func TestLetterboxResize(t *testing.T) {
	frame, err := Letterbox(solid(1280, 720, color.White), 320)
	require.NoError(t, err)

	assert.Equal(t, 320, frame.Image.Bounds().Dx())
	assert.Equal(t, 1280, frame.Geometry.SquareSide, "geometry stays in source pixels")
	assert.Equal(t, 280, frame.Geometry.PadTop)
}

func TestLetterboxEmpty(t *testing.T) {
	_, err := Letterbox(image.NewRGBA(image.Rect(0, 0, 0, 0)), 0)
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestDecodeDataURL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(4, 3, color.White)))
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	img, err := DecodeDataURL("data:image/png;base64," + encoded)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds())

	img, err = DecodeDataURL(encoded)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())

	_, err = DecodeDataURL("data:image/png;base64")
	assert.ErrorIs(t, err, ErrInvalidDataURL)

	_, err = DecodeDataURL("data:image/png;base64,!!!")
	assert.ErrorIs(t, err, ErrInvalidDataURL)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	for i, name := range []string{"b.png", "a.png", "c.png"} {
		require.NoError(t, imaging.Save(solid(10+i, 10, color.White), filepath.Join(dir, name)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	paths, err := ListDir(dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, "a.png", filepath.Base(paths[0]))
	assert.Equal(t, "c.png", filepath.Base(paths[2]))

	frames, err := LoadDir(dir, 0, 0)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, 11, frames[0].Geometry.SourceWidth, "a.png was written second")
	assert.Equal(t, 10, frames[1].Geometry.SourceWidth)
	assert.Equal(t, 12, frames[2].Geometry.SourceWidth)
}

func TestLoadDirLimit(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.png"} {
		require.NoError(t, imaging.Save(solid(4, 4, color.White), filepath.Join(dir, name)))
	}

	frames, err := LoadDir(dir, 0, 2)
	require.NoError(t, err)
	assert.Len(t, frames, 2)

	// An undecodable file past the limit shows the check runs before decoding.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.png"), []byte("not a png"), 0o644))
	frames, err = LoadDir(dir, 0, 2)
	assert.ErrorIs(t, err, ErrTooManyFrames)
	assert.Nil(t, frames)
}

func TestLoadDirMissing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"), 0, 0)
	assert.Error(t, err)
}
