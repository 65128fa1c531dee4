package vector

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func randomVector(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1.0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Similarity(tt.a, tt.b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.expected) > 1e-6 {
				t.Errorf("Similarity() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSimilarity_Errors(t *testing.T) {
	tests := []struct {
		name    string
		a       []float32
		b       []float32
		wantErr error
	}{
		{"different dimensions", []float32{1, 0, 0}, []float32{1, 0}, ErrDimensionMismatch},
		{"empty", []float32{}, []float32{}, ErrEmptyVector},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, ErrEmptyVector},
		{"short legacy vector", []float32{1}, make([]float32, 512), ErrDimensionMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Similarity(tt.a, tt.b)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSimilarity_SelfAndSymmetry(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := range 100 {
		a := randomVector(r, 64)
		b := randomVector(r, 64)

		self, err := Similarity(a, a)
		if err != nil {
			t.Fatalf("iteration %d: unexpected error: %v", i, err)
		}
		if math.Abs(self-1) > 1e-6 {
			t.Errorf("iteration %d: sim(a,a) = %v, want ~1", i, self)
		}

		ab, _ := Similarity(a, b)
		ba, _ := Similarity(b, a)
		if ab != ba {
			t.Errorf("iteration %d: sim(a,b)=%v != sim(b,a)=%v", i, ab, ba)
		}
	}
}

func TestDistance(t *testing.T) {
	d, err := Distance([]float32{1, 0}, []float32{0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(d-1) > 1e-6 {
		t.Errorf("expected distance 1, got %v", d)
	}

	if _, err := Distance([]float32{1}, []float32{1, 2}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
}

func TestNormalize(t *testing.T) {
	v, err := Normalize([]float32{3, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("expected [0.6 0.8], got %v", v)
	}

	if _, err := Normalize([]float32{0, 0}); !errors.Is(err, ErrEmptyVector) {
		t.Errorf("expected ErrEmptyVector, got %v", err)
	}
}

func TestCentroid(t *testing.T) {
	c, err := Centroid([][]float32{{1, 0}, {0, 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := float32(1 / math.Sqrt2)
	if math.Abs(float64(c[0]-want)) > 1e-6 || math.Abs(float64(c[1]-want)) > 1e-6 {
		t.Errorf("expected [%v %v], got %v", want, want, c)
	}

	if _, err := Centroid([][]float32{{1, 0}, {1, 0, 0}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
	if _, err := Centroid(nil); !errors.Is(err, ErrEmptyVector) {
		t.Errorf("expected ErrEmptyVector for no vectors, got %v", err)
	}
}
