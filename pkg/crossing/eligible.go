// Package crossing finds where a connection between two brain locations can
// pass through the corpus callosum: the region of voxels that reach the
// median-sagittal plane without leaving permitted tissue, and the plane voxel
// that minimises the detour between two points.
package crossing

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"ccefficiency/internal/models"
	"ccefficiency/pkg/geometry"
)

// ErrShapeMismatch is returned when masks that must share a grid do not.
var ErrShapeMismatch = errors.New("mask shape mismatch")

// defaultChunkSize is the number of reference voxels handed to a worker at once
const defaultChunkSize = 4096

// ProgressFunc receives the number of evaluated voxels and the total. It may
// be called from several goroutines at once.
type ProgressFunc func(done, total int)

// EligibleOptions tunes BuildEligibleRegion
type EligibleOptions struct {
	// Workers bounds the number of concurrent chunks (default: all CPUs)
	Workers int

	// ChunkSize is the number of voxels per work item
	ChunkSize int

	// Spacing scales each axis before nearest-plane distances are measured.
	// nil means isotropic unit voxels.
	Spacing []float64

	// Progress is called after each finished chunk
	Progress ProgressFunc
}

// BuildEligibleRegion marks every voxel of reference whose straight path to
// the closest plane voxel avoids the disallowed region. The start voxel is
// not part of the path, so a voxel lying on the plane is always eligible.
//
// The plane is indexed once and shared by all workers. Each voxel is decided
// independently and written to its own output cell. ctx is checked between
// voxels.
func BuildEligibleRegion(ctx context.Context, reference, plane, disallowed *models.Mask, opts EligibleOptions) (*models.Mask, error) {
	if !reference.SameShape(plane) || !reference.SameShape(disallowed) {
		return nil, fmt.Errorf("reference %v, plane %v, disallowed %v: %w",
			reference.Shape(), plane.Shape(), disallowed.Shape(), ErrShapeMismatch)
	}

	index, err := geometry.NewNodeIndex(plane.Points(), opts.Spacing)
	if err != nil {
		return nil, fmt.Errorf("failed to index plane voxels: %w", err)
	}

	voxels := reference.Points()
	result := models.NewMaskLike(reference)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	var done atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for lo := 0; lo < len(voxels); lo += chunkSize {
		hi := min(lo+chunkSize, len(voxels))
		chunk := voxels[lo:hi]

		g.Go(func() error {
			for _, p := range chunk {
				if err := ctx.Err(); err != nil {
					return err
				}
				ok, err := isEligible(p, index, disallowed)
				if err != nil {
					return fmt.Errorf("voxel %v: %w", p, err)
				}
				if ok {
					result.Set(p[0], p[1], p[2], true)
				}
			}
			n := done.Add(int64(len(chunk)))
			if opts.Progress != nil {
				opts.Progress(int(n), len(voxels))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func isEligible(p models.Point, index *geometry.NodeIndex, disallowed *models.Mask) (bool, error) {
	closest, err := index.Closest(p)
	if err != nil {
		return false, err
	}
	path, err := geometry.RasterizeSegment(p, closest, geometry.AutoSteps)
	if err != nil {
		return false, err
	}
	for _, q := range path {
		if disallowed.Contains(q) {
			return false, nil
		}
	}
	return true, nil
}
