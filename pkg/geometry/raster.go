package geometry

import (
	"errors"
	"fmt"
	"math"

	"ccefficiency/internal/models"
)

// AutoSteps asks the rasterizer to derive the step count from the input.
const AutoSteps = -1

// ErrSegmentCountMismatch is returned when a batch has neither one end
// point nor one end point per start.
var ErrSegmentCountMismatch = errors.New("segment count mismatch")

// normalizeSlope divides a direction by its largest absolute component so
// the dominant axis advances one unit per step. A zero direction stays zero.
func normalizeSlope(slope []int) []float64 {
	scale := 0
	for _, s := range slope {
		if a := abs(s); a > scale {
			scale = a
		}
	}
	out := make([]float64, len(slope))
	if scale == 0 {
		return out
	}
	for i, s := range slope {
		out[i] = float64(s) / float64(scale)
	}
	return out
}

// RasterizeSegment returns the grid points approximating the straight line
// from start to end, excluding start and, with AutoSteps, ending exactly at
// end. Coordinates are rounded half to even. A segment whose start equals
// its end yields no points.
func RasterizeSegment(start, end models.Point, maxSteps int) ([]models.Point, error) {
	lines, err := RasterizeSegments([]models.Point{start}, []models.Point{end}, maxSteps)
	if err != nil {
		return nil, err
	}
	return lines[0], nil
}

// RasterizeSegments rasterizes one line per start point. ends holds either a
// single point shared by every start or one point per start.
//
// Every non-degenerate line has the same number of steps: maxSteps, or with
// AutoSteps the largest per-axis travel of any segment in the batch. Shorter
// segments therefore continue past their end along the same direction.
func RasterizeSegments(starts, ends []models.Point, maxSteps int) ([][]models.Point, error) {
	if len(ends) != 1 && len(ends) != len(starts) {
		return nil, fmt.Errorf("%d starts and %d ends: %w", len(starts), len(ends), ErrSegmentCountMismatch)
	}

	endFor := func(i int) models.Point {
		if len(ends) == 1 {
			return ends[0]
		}
		return ends[i]
	}

	slopes := make([][]int, len(starts))
	steps := 0
	for i, start := range starts {
		end := endFor(i)
		if len(start) != len(end) {
			return nil, fmt.Errorf("segment %d: start has %d dimensions, end has %d: %w",
				i, len(start), len(end), ErrDimensionMismatch)
		}
		slope := make([]int, len(start))
		for d := range start {
			slope[d] = end[d] - start[d]
			if a := abs(slope[d]); a > steps {
				steps = a
			}
		}
		slopes[i] = slope
	}
	if maxSteps >= 0 {
		steps = maxSteps
	}

	lines := make([][]models.Point, len(starts))
	for i, start := range starts {
		if start.Equal(endFor(i)) {
			lines[i] = []models.Point{}
			continue
		}
		nslope := normalizeSlope(slopes[i])
		line := make([]models.Point, steps)
		for step := 1; step <= steps; step++ {
			p := make(models.Point, len(start))
			for d := range start {
				p[d] = int(math.RoundToEven(float64(start[d]) + nslope[d]*float64(step)))
			}
			line[step-1] = p
		}
		lines[i] = line
	}
	return lines, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
