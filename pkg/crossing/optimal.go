package crossing

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"ccefficiency/internal/models"
)

var (
	// ErrEmptyArea is returned when the crossing area has no member voxel.
	ErrEmptyArea = errors.New("empty crossing area")

	// ErrNonFinitePoint is returned when an end point has a NaN or infinite coordinate.
	ErrNonFinitePoint = errors.New("non-finite end point")
)

// Crossing is the best voxel to pass through and the total path length
// p1 -> Point -> p2.
type Crossing struct {
	Distance float64
	Point    models.Point
}

func (c Crossing) String() string {
	return fmt.Sprintf("%v (distance %.3f)", c.Point, c.Distance)
}

// VecOf converts a 3D grid index to a real-valued vector
func VecOf(p models.Point) r3.Vec {
	return r3.Vec{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])}
}

// FindOptimalCrossing returns the area voxel minimising the summed Euclidean
// distance to p1 and p2, measured in grid-index units. Ties go to the first
// voxel in the area's point order.
func FindOptimalCrossing(p1, p2 r3.Vec, area *models.Mask) (Crossing, error) {
	return FindOptimalCrossingScaled(p1, p2, area, nil)
}

// FindOptimalCrossingScaled is FindOptimalCrossing with per-axis voxel
// spacing applied to every coordinate before distances are taken. p1 and p2
// are still given as grid indices.
func FindOptimalCrossingScaled(p1, p2 r3.Vec, area *models.Mask, spacing []float64) (Crossing, error) {
	if spacing != nil && len(spacing) != 3 {
		return Crossing{}, fmt.Errorf("spacing needs 3 axes, got %d", len(spacing))
	}
	for _, p := range []r3.Vec{p1, p2} {
		if !isFinite(p) {
			return Crossing{}, fmt.Errorf("%v: %w", p, ErrNonFinitePoint)
		}
	}
	candidates := area.Points()
	if len(candidates) == 0 {
		return Crossing{}, ErrEmptyArea
	}

	a, b := scaleVec(p1, spacing), scaleVec(p2, spacing)
	best := Crossing{Distance: math.Inf(1)}
	for _, c := range candidates {
		v := scaleVec(VecOf(c), spacing)
		d := r3.Norm(r3.Sub(v, a)) + r3.Norm(r3.Sub(v, b))
		if d < best.Distance {
			best = Crossing{Distance: d, Point: c}
		}
	}
	return best, nil
}

func isFinite(v r3.Vec) bool {
	for _, x := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func scaleVec(v r3.Vec, spacing []float64) r3.Vec {
	if spacing == nil {
		return v
	}
	return r3.Vec{X: v.X * spacing[0], Y: v.Y * spacing[1], Z: v.Z * spacing[2]}
}

// Summary describes the path lengths of a batch of crossings
type Summary struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summarize computes distance statistics over crossings
func Summarize(crossings []Crossing) Summary {
	if len(crossings) == 0 {
		return Summary{}
	}
	distances := make([]float64, len(crossings))
	for i, c := range crossings {
		distances[i] = c.Distance
	}

	s := Summary{
		Count: len(distances),
		Min:   floats.Min(distances),
		Max:   floats.Max(distances),
	}
	if len(distances) == 1 {
		s.Mean = distances[0]
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(distances, nil)
	return s
}
