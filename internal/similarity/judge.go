package similarity

import (
	"fmt"
	"image"

	"github.com/corona10/goimagehash"
)

// DefaultThreshold separates Similar from Different: scores strictly above it are Similar.
const DefaultThreshold = 0.95

// Verdict classifies a similarity score.
type Verdict int

const (
	Different Verdict = iota
	Similar
)

func (v Verdict) String() string {
	return [...]string{"different", "similar"}[v]
}

// Judge scores capture pairs with SSIM on luminance.
type Judge struct {
	Threshold float64
}

// NewJudge creates a judge; a non-positive threshold selects DefaultThreshold.
func NewJudge(threshold float64) *Judge {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Judge{Threshold: threshold}
}

// Similarity returns the mean SSIM of a and b in [-1, 1]; identical images score 1.
func (j *Judge) Similarity(a, b image.Image) (float64, error) {
	if a == nil || b == nil {
		return 0, ErrEmptyImage
	}
	return SSIM(Luma(a), Luma(b))
}

// Classify maps a score to a verdict.
func (j *Judge) Classify(score float64) Verdict {
	if score > j.Threshold {
		return Similar
	}
	return Different
}

// Fingerprint returns the perceptual hash of img in goimagehash string form.
func Fingerprint(img image.Image) (string, error) {
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return "", fmt.Errorf("perception hash: %w", err)
	}
	return hash.ToString(), nil
}
