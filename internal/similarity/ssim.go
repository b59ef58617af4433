// Package similarity scores how alike two captures are.
package similarity

import (
	"errors"
	"image"
	"runtime"
	"sync"
)

// SSIM parameters. The 7x7 uniform window with sample covariance matches the
// usual reference implementation for 8-bit grayscale input.
const (
	WindowSize = 7
	K1         = 0.01
	K2         = 0.03
	DataRange  = 255.0
)

var (
	ErrSizeMismatch = errors.New("images differ in size")
	ErrEmptyImage   = errors.New("image has no pixels")
)

// Luma reduces img to 8-bit luminance using ITU-R 601 weights
// (fixed point, 0.299 R + 0.587 G + 0.114 B).
func Luma(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}

	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			src := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := gray.Pix[y*gray.Stride:]
			for x := 0; x < b.Dx(); x++ {
				p := src[x*4 : x*4+3 : x*4+3]
				dst[x] = luma8(uint32(p[0]), uint32(p[1]), uint32(p[2]))
			}
		}
		return gray
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			gray.Pix[y*gray.Stride+x] = luma8(r>>8, g>>8, bl>>8)
		}
	}
	return gray
}

func luma8(r, g, b uint32) uint8 {
	return uint8((r*19595 + g*38470 + b*7471 + 0x8000) >> 16)
}

// SSIM returns the mean structural similarity of two equally sized grayscale
// images. Only window positions lying fully inside the image contribute.
// Identical inputs score exactly 1.
func SSIM(a, b *image.Gray) (float64, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return 0, ErrSizeMismatch
	}
	w, h := ab.Dx(), ab.Dy()
	if w == 0 || h == 0 {
		return 0, ErrEmptyImage
	}

	win := WindowSize
	if m := min(w, h); m < win {
		win = m
		if win%2 == 0 {
			win--
		}
	}

	p := newParams(win)
	rows := h - win + 1

	// Use GOMAXPROCS to respect container CPU limits.
	numWorkers := min(runtime.GOMAXPROCS(0), rows)
	rowsPerWorker := rows / numWorkers

	totals := make([]float64, numWorkers)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		start := i * rowsPerWorker
		end := start + rowsPerWorker
		if i == numWorkers-1 {
			end = rows
		}
		go func(i, start, end int) {
			defer wg.Done()
			totals[i] = p.band(a, b, w, start, end)
		}(i, start, end)
	}
	wg.Wait()

	var total float64
	for _, t := range totals {
		total += t
	}
	return total / float64(rows*(w-win+1)), nil
}

type params struct {
	win     int
	n       float64
	covNorm float64
	c1, c2  float64
}

func newParams(win int) params {
	n := float64(win * win)
	covNorm := 1.0
	if win > 1 {
		covNorm = n / (n - 1)
	}
	return params{
		win:     win,
		n:       n,
		covNorm: covNorm,
		c1:      (K1 * DataRange) * (K1 * DataRange),
		c2:      (K2 * DataRange) * (K2 * DataRange),
	}
}

// colSums holds per-column window sums over win consecutive rows.
type colSums struct {
	a, b, aa, bb, ab []int64
}

func newColSums(w int) *colSums {
	return &colSums{
		a: make([]int64, w), b: make([]int64, w),
		aa: make([]int64, w), bb: make([]int64, w), ab: make([]int64, w),
	}
}

func (c *colSums) addRow(a, b *image.Gray, y int, sign int64) {
	ra := a.Pix[a.PixOffset(a.Rect.Min.X, a.Rect.Min.Y+y):]
	rb := b.Pix[b.PixOffset(b.Rect.Min.X, b.Rect.Min.Y+y):]
	for x := range c.a {
		va, vb := int64(ra[x]), int64(rb[x])
		c.a[x] += sign * va
		c.b[x] += sign * vb
		c.aa[x] += sign * va * va
		c.bb[x] += sign * vb * vb
		c.ab[x] += sign * va * vb
	}
}

// band sums SSIM over window rows [start, end). Sums are exact integers;
// only the per-window formula runs in floating point.
func (p params) band(a, b *image.Gray, w, start, end int) float64 {
	cols := newColSums(w)
	for y := start; y < start+p.win; y++ {
		cols.addRow(a, b, y, 1)
	}

	var total float64
	for top := start; top < end; top++ {
		if top > start {
			cols.addRow(a, b, top-1, -1)
			cols.addRow(a, b, top+p.win-1, 1)
		}

		var sa, sb, saa, sbb, sab int64
		for x := 0; x < p.win; x++ {
			sa += cols.a[x]
			sb += cols.b[x]
			saa += cols.aa[x]
			sbb += cols.bb[x]
			sab += cols.ab[x]
		}
		for left := 0; ; left++ {
			total += p.window(sa, sb, saa, sbb, sab)
			right := left + p.win
			if right >= w {
				break
			}
			sa += cols.a[right] - cols.a[left]
			sb += cols.b[right] - cols.b[left]
			saa += cols.aa[right] - cols.aa[left]
			sbb += cols.bb[right] - cols.bb[left]
			sab += cols.ab[right] - cols.ab[left]
		}
	}
	return total
}

func (p params) window(sa, sb, saa, sbb, sab int64) float64 {
	mx := float64(sa) / p.n
	my := float64(sb) / p.n
	vx := p.covNorm * (float64(saa)/p.n - mx*mx)
	vy := p.covNorm * (float64(sbb)/p.n - my*my)
	vxy := p.covNorm * (float64(sab)/p.n - mx*my)

	num := (2*mx*my + p.c1) * (2*vxy + p.c2)
	den := (mx*mx + my*my + p.c1) * (vx + vy + p.c2)
	return num / den
}
