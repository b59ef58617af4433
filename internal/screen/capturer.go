// Package screen provides platform-agnostic region capture
package screen

import (
	"context"
	"fmt"
	"image"
	"image/draw"

	apperrors "github.com/GriffinCanCode/deltashot/internal/errors"
)

// Capture backends selectable through configuration.
const (
	BackendNative  = "native"
	BackendCommand = "command"
)

// Region is a rectangle in absolute screen pixel coordinates.
type Region struct {
	Top    int `json:"top" yaml:"top"`
	Left   int `json:"left" yaml:"left"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Validate reports whether the region has a positive area.
func (r Region) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return apperrors.Newf(apperrors.InvalidArgument, "region %s must have positive width and height", r)
	}
	return nil
}

// Rect returns the region as an image.Rectangle in screen space.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Left+r.Width, r.Top+r.Height)
}

func (r Region) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.Left, r.Top)
}

// Capturer grabs a still image of a screen region.
type Capturer interface {
	Capture(ctx context.Context, r Region) (image.Image, error)
	Close()
}

// backend implements platform-specific raw capture
type backend interface {
	captureRaw(ctx context.Context, r Region) (image.Image, error)
	cleanup()
}

// baseCapturer validates regions and normalizes backend output.
type baseCapturer struct {
	backend
	bounds func() (image.Rectangle, bool)
}

func newBase(b backend) *baseCapturer {
	return &baseCapturer{backend: b, bounds: displayBounds}
}

// New creates a capturer for the named backend.
func New(kind string) (Capturer, error) {
	switch kind {
	case "", BackendNative:
		return newBase(nativeBackend{}), nil
	case BackendCommand:
		b, err := newCommandBackend()
		if err != nil {
			return nil, err
		}
		return newBase(b), nil
	default:
		return nil, apperrors.Newf(apperrors.ConfigInvalid, "unknown capture backend %q", kind)
	}
}

// Capture returns an image whose bounds are exactly (0,0)-(Width,Height).
// Every failure is reported as CAPTURE_FAILED.
func (c *baseCapturer) Capture(ctx context.Context, r Region) (image.Image, error) {
	if err := r.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CaptureFailed, "invalid capture region")
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CaptureFailed, "capture cancelled")
	}
	if screen, ok := c.bounds(); ok && !r.Rect().In(screen) {
		return nil, apperrors.Newf(apperrors.CaptureFailed, "region %s lies outside the screen %v", r, screen)
	}

	img, err := c.captureRaw(ctx, r)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CaptureFailed, "screen capture failed").
			WithMetadata("region", r.String())
	}
	if img == nil {
		return nil, apperrors.New(apperrors.CaptureFailed, "backend returned no image")
	}

	img = originAligned(img)
	if b := img.Bounds(); b.Dx() != r.Width || b.Dy() != r.Height {
		return nil, apperrors.Newf(apperrors.CaptureFailed, "captured %dx%d, want %dx%d",
			b.Dx(), b.Dy(), r.Width, r.Height)
	}
	return img, nil
}

func (c *baseCapturer) Close() {
	c.cleanup()
}

// originAligned copies img so its bounds start at (0,0) when they do not already.
func originAligned(img image.Image) image.Image {
	b := img.Bounds()
	if b.Min == (image.Point{}) {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
