package geometry

import (
	"errors"
	"math/rand"
	"testing"

	"ccefficiency/internal/models"
)

var lineCandidates = []models.Point{
	{9, -5, 4},
	{8, -4, 5},
	{7, -3, 6},
	{6, -2, 6},
	{5, -1, 7},
	{4, 0, 8},
	{3, 1, 9},
}

func TestClosestNode(t *testing.T) {
	got, err := ClosestNode(models.Point{-5, -8, -3}, lineCandidates)
	if err != nil {
		t.Fatalf("ClosestNode failed: %v", err)
	}
	if !got.Equal(models.Point{6, -2, 6}) {
		t.Errorf("Expected (6,-2,6), got %v", got)
	}
}

func TestClosestNodeTies(t *testing.T) {
	// (0,0,0) is equally far from both candidates; the first one wins
	candidates := []models.Point{{2, 0, 0}, {-2, 0, 0}, {0, 3, 0}}
	got, err := ClosestNode(models.Point{0, 0, 0}, candidates)
	if err != nil {
		t.Fatalf("ClosestNode failed: %v", err)
	}
	if !got.Equal(models.Point{2, 0, 0}) {
		t.Errorf("Expected first minimizer (2,0,0), got %v", got)
	}
}

func TestClosestNodeErrors(t *testing.T) {
	if _, err := ClosestNode(models.Point{0, 0, 0}, nil); !errors.Is(err, ErrEmptyCandidateSet) {
		t.Errorf("Expected ErrEmptyCandidateSet, got %v", err)
	}
	if _, err := ClosestNode(models.Point{0, 0}, lineCandidates); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
}

func TestNodeIndexMatchesExample(t *testing.T) {
	index, err := NewNodeIndex(lineCandidates, nil)
	if err != nil {
		t.Fatalf("Failed to build index: %v", err)
	}
	if index.Len() != len(lineCandidates) {
		t.Errorf("Expected %d indexed points, got %d", len(lineCandidates), index.Len())
	}

	got, err := index.Closest(models.Point{-5, -8, -3})
	if err != nil {
		t.Fatalf("Closest failed: %v", err)
	}
	if !got.Equal(models.Point{6, -2, 6}) {
		t.Errorf("Expected (6,-2,6), got %v", got)
	}
}

// TestNodeIndexAgreesWithLinearScan checks the KD-tree against the brute-force
// search, including tie-breaking, on a dense grid full of equidistant points
func TestNodeIndexAgreesWithLinearScan(t *testing.T) {
	// A sagittal-like plane: x fixed, y/z filled
	var candidates []models.Point
	for y := 0; y < 12; y++ {
		for z := 0; z < 9; z++ {
			if (y+z)%3 != 0 {
				candidates = append(candidates, models.Point{10, y, z})
			}
		}
	}

	index, err := NewNodeIndex(candidates, nil)
	if err != nil {
		t.Fatalf("Failed to build index: %v", err)
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		q := models.Point{rng.Intn(21), rng.Intn(16) - 2, rng.Intn(13) - 2}
		want, err := ClosestNode(q, candidates)
		if err != nil {
			t.Fatalf("ClosestNode failed: %v", err)
		}
		got, err := index.Closest(q)
		if err != nil {
			t.Fatalf("Closest failed: %v", err)
		}
		if !got.Equal(want) {
			t.Fatalf("Query %v: index returned %v, linear scan returned %v", q, got, want)
		}
	}
}

func TestNodeIndexSpacing(t *testing.T) {
	candidates := []models.Point{{0, 3, 0}, {2, 0, 0}}

	// Unit spacing: (2,0,0) is closer to the origin
	index, err := NewNodeIndex(candidates, nil)
	if err != nil {
		t.Fatalf("Failed to build index: %v", err)
	}
	got, _ := index.Closest(models.Point{0, 0, 0})
	if !got.Equal(models.Point{2, 0, 0}) {
		t.Errorf("Expected (2,0,0) with unit spacing, got %v", got)
	}

	// 2mm along x, 0.5mm along y: (0,3,0) is 1.5mm away, (2,0,0) is 4mm
	scaled, err := NewNodeIndex(candidates, []float64{2, 0.5, 1})
	if err != nil {
		t.Fatalf("Failed to build scaled index: %v", err)
	}
	got, _ = scaled.Closest(models.Point{0, 0, 0})
	if !got.Equal(models.Point{0, 3, 0}) {
		t.Errorf("Expected (0,3,0) with anisotropic spacing, got %v", got)
	}
}

func TestNodeIndexErrors(t *testing.T) {
	if _, err := NewNodeIndex(nil, nil); !errors.Is(err, ErrEmptyCandidateSet) {
		t.Errorf("Expected ErrEmptyCandidateSet, got %v", err)
	}
	if _, err := NewNodeIndex([]models.Point{{0, 0, 0}, {1, 1}}, nil); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch for ragged candidates, got %v", err)
	}
	if _, err := NewNodeIndex(lineCandidates, []float64{1, 1}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch for short spacing, got %v", err)
	}

	index, err := NewNodeIndex(lineCandidates, nil)
	if err != nil {
		t.Fatalf("Failed to build index: %v", err)
	}
	if _, err := index.Closest(models.Point{1, 2}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch for 2D query, got %v", err)
	}
}

// BenchmarkNodeIndexClosest benchmarks queries against a 180x216 plane
func BenchmarkNodeIndexClosest(b *testing.B) {
	var candidates []models.Point
	for y := 0; y < 216; y++ {
		for z := 0; z < 180; z++ {
			candidates = append(candidates, models.Point{90, y, z})
		}
	}
	index, err := NewNodeIndex(candidates, nil)
	if err != nil {
		b.Fatalf("Failed to build index: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		index.Closest(models.Point{i % 182, (i * 7) % 218, (i * 13) % 182})
	}
}
