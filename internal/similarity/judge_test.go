package similarity

import (
	"image"
	"image/color"
	"testing"

	"github.com/corona10/goimagehash"
)

// fingerprintDistance returns the Hamming distance between two fingerprints.
func fingerprintDistance(a, b string) (int, error) {
	ha, err := goimagehash.ImageHashFromString(a)
	if err != nil {
		return 0, err
	}
	hb, err := goimagehash.ImageHashFromString(b)
	if err != nil {
		return 0, err
	}
	return ha.Distance(hb)
}

func TestNewJudgeDefaults(t *testing.T) {
	if j := NewJudge(0); j.Threshold != DefaultThreshold {
		t.Errorf("Threshold = %v, want %v", j.Threshold, DefaultThreshold)
	}
	if j := NewJudge(0.8); j.Threshold != 0.8 {
		t.Errorf("Threshold = %v, want 0.8", j.Threshold)
	}
}

func TestClassify(t *testing.T) {
	j := NewJudge(DefaultThreshold)
	tests := []struct {
		score float64
		want  Verdict
	}{
		{1.0, Similar},
		{0.9501, Similar},
		{0.95, Different},
		{0.5, Different},
		{-0.2, Different},
	}
	for _, tt := range tests {
		if got := j.Classify(tt.score); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestJudgeSimilarity(t *testing.T) {
	j := NewJudge(0)
	a := makeNoise(64, 48, 5)

	score, err := j.Similarity(a, a)
	if err != nil {
		t.Fatal(err)
	}
	if j.Classify(score) != Similar {
		t.Errorf("identical captures classified %v (score %v)", j.Classify(score), score)
	}

	b := withRect(a, image.Rect(0, 0, 32, 24), color.White)
	score, err = j.Similarity(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if j.Classify(score) != Different {
		t.Errorf("changed capture classified %v (score %v)", j.Classify(score), score)
	}
}

func TestJudgeSimilarityErrors(t *testing.T) {
	j := NewJudge(0)
	if _, err := j.Similarity(nil, makeNoise(4, 4, 1)); err == nil {
		t.Error("nil image should error")
	}
	if _, err := j.Similarity(makeNoise(4, 4, 1), makeNoise(5, 4, 1)); err != ErrSizeMismatch {
		t.Errorf("err = %v, want ErrSizeMismatch", err)
	}
}

func TestVerdictString(t *testing.T) {
	if Similar.String() != "similar" || Different.String() != "different" {
		t.Errorf("unexpected verdict strings %q %q", Similar, Different)
	}
}

func TestFingerprint(t *testing.T) {
	a := makeGradient(64, 64)

	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatal(err)
	}
	fb, err := Fingerprint(a)
	if err != nil {
		t.Fatal(err)
	}
	if fa != fb {
		t.Errorf("fingerprint not deterministic: %q vs %q", fa, fb)
	}

	dist, err := fingerprintDistance(fa, fb)
	if err != nil {
		t.Fatal(err)
	}
	if dist != 0 {
		t.Errorf("distance = %d, want 0", dist)
	}

	if _, err := fingerprintDistance(fa, "not-a-hash"); err == nil {
		t.Error("malformed fingerprint should error")
	}
}
