package screen

import (
	"context"
	"image"

	"github.com/kbinani/screenshot"
)

// nativeBackend reads pixels straight from the display server.
type nativeBackend struct{}

func (nativeBackend) captureRaw(_ context.Context, r Region) (image.Image, error) {
	img, err := screenshot.CaptureRect(r.Rect())
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (nativeBackend) cleanup() {}

// displayBounds returns the union of all active display bounds.
// ok is false when no display is reported.
func displayBounds() (image.Rectangle, bool) {
	n := screenshot.NumActiveDisplays()
	if n <= 0 {
		return image.Rectangle{}, false
	}
	var all image.Rectangle
	for i := 0; i < n; i++ {
		all = all.Union(screenshot.GetDisplayBounds(i))
	}
	return all, true
}
