package archive

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/GriffinCanCode/deltashot/internal/errors"
)

var nameRE = regexp.MustCompile(`^screenshot_\d{8}-\d{6}-\d{3}\.png$`)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestFilename(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 2, 45*int(time.Millisecond)+999, time.Local)
	assert.Equal(t, "screenshot_20240309-070502-045.png", Filename(ts))
	assert.Regexp(t, nameRE, Filename(time.Now()))
}

func TestFilenameOrdering(t *testing.T) {
	base := time.Date(2024, 12, 31, 23, 59, 59, 998*int(time.Millisecond), time.Local)
	var names []string
	for i := 0; i < 5; i++ {
		names = append(names, Filename(base.Add(time.Duration(i)*time.Millisecond)))
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	assert.Equal(t, names, sorted)
}

func TestSinkSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewSink()
	img := testImage(37, 21)

	path, err := s.Save(context.Background(), img, dir)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Regexp(t, nameRE, filepath.Base(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	decoded, err := png.Decode(f)
	require.NoError(t, err)

	require.Equal(t, img.Bounds(), decoded.Bounds())
	for y := 0; y < 21; y++ {
		for x := 0; x < 37; x++ {
			r1, g1, b1, a1 := img.At(x, y).RGBA()
			r2, g2, b2, a2 := decoded.At(x, y).RGBA()
			if r1 != r2 || g1 != g2 || b1 != b2 || a1 != a2 {
				t.Fatalf("pixel (%d,%d) differs after round trip", x, y)
			}
		}
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSinkNamesStrictlyIncrease(t *testing.T) {
	dir := t.TempDir()
	s := NewSink()
	s.now = fixedClock(time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local))

	var names []string
	for i := 0; i < 4; i++ {
		path, err := s.Save(context.Background(), testImage(4, 4), dir)
		require.NoError(t, err)
		names = append(names, filepath.Base(path))
	}

	assert.Equal(t, []string{
		"screenshot_20240102-030405-000.png",
		"screenshot_20240102-030405-001.png",
		"screenshot_20240102-030405-002.png",
		"screenshot_20240102-030405-003.png",
	}, names)
}

func TestSinkSkipsExistingNames(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	require.NoError(t, os.WriteFile(filepath.Join(dir, Filename(ts)), []byte("taken"), 0o644))

	s := NewSink()
	s.now = fixedClock(ts)
	path, err := s.Save(context.Background(), testImage(2, 2), dir)
	require.NoError(t, err)
	assert.Equal(t, Filename(ts.Add(time.Millisecond)), filepath.Base(path))

	data, err := os.ReadFile(filepath.Join(dir, Filename(ts)))
	require.NoError(t, err)
	assert.Equal(t, "taken", string(data))
}

func TestSinkSaveErrors(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		img  image.Image
		dir  string
	}{
		{"missing directory", context.Background(), testImage(2, 2), filepath.Join(dir, "nope")},
		{"not a directory", context.Background(), testImage(2, 2), file},
		{"nil image", context.Background(), nil, dir},
		{"cancelled", cancelled, testImage(2, 2), dir},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSink().Save(tt.ctx, tt.img, tt.dir)
			require.Error(t, err)
			assert.True(t, apperrors.IsCode(err, apperrors.PersistFailed), "got %v", err)
		})
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed saves must not leave files")
}
