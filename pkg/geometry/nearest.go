// Package geometry provides the voxel-space primitives used by the crossing
// search: nearest-point lookup over a point set and N-dimensional digital
// line drawing.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"ccefficiency/internal/models"
)

var (
	// ErrEmptyCandidateSet is returned when a nearest-point query has no candidates.
	ErrEmptyCandidateSet = errors.New("empty candidate set")

	// ErrDimensionMismatch is returned when points of different dimensionality are combined.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

// ClosestNode returns the candidate with the smallest Euclidean distance to
// query. Ties go to the candidate that comes first. This is a linear scan;
// use NodeIndex when the same candidates are queried many times.
func ClosestNode(query models.Point, candidates []models.Point) (models.Point, error) {
	if len(candidates) == 0 {
		return nil, ErrEmptyCandidateSet
	}

	best := -1
	bestDist := math.Inf(1)
	for i, c := range candidates {
		if len(c) != len(query) {
			return nil, fmt.Errorf("candidate %d has %d dimensions, query has %d: %w",
				i, len(c), len(query), ErrDimensionMismatch)
		}
		d := squaredDistance(query, c, nil)
		if d < bestDist {
			best = i
			bestDist = d
		}
	}
	return candidates[best], nil
}

func squaredDistance(p, q models.Point, spacing []float64) float64 {
	sum := 0.0
	for i := range p {
		d := float64(p[i] - q[i])
		if spacing != nil {
			d *= spacing[i]
		}
		sum += d * d
	}
	return sum
}

// indexedNode is a candidate placed in scaled coordinates. order is its
// position in the original candidate list and settles ties.
type indexedNode struct {
	coords []float64
	order  int
}

// Compare implements the kdtree.Comparable interface
func (n indexedNode) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedNode)
	return n.coords[d] - q.coords[d]
}

// Dims returns the number of dimensions for the KD-tree
func (n indexedNode) Dims() int { return len(n.coords) }

// Distance returns the squared Euclidean distance between two nodes
func (n indexedNode) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedNode)
	sum := 0.0
	for i := range n.coords {
		d := n.coords[i] - q.coords[i]
		sum += d * d
	}
	return sum
}

// indexedNodes is a collection of indexedNode that satisfies kdtree.Interface
type indexedNodes []indexedNode

func (p indexedNodes) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedNodes) Len() int                              { return len(p) }
func (p indexedNodes) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p indexedNodes) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(nodePlane{indexedNodes: p, Dim: d}, kdtree.MedianOfRandoms(nodePlane{indexedNodes: p, Dim: d}, 100))
}

// nodePlane implements sort.Interface and kdtree.SortSlicer for indexedNodes
type nodePlane struct {
	indexedNodes
	kdtree.Dim
}

func (p nodePlane) Less(i, j int) bool {
	return p.indexedNodes[i].coords[p.Dim] < p.indexedNodes[j].coords[p.Dim]
}

func (p nodePlane) Slice(start, end int) kdtree.SortSlicer {
	return nodePlane{indexedNodes: p.indexedNodes[start:end], Dim: p.Dim}
}

func (p nodePlane) Swap(i, j int) {
	p.indexedNodes[i], p.indexedNodes[j] = p.indexedNodes[j], p.indexedNodes[i]
}

// NodeIndex answers repeated closest-node queries over a fixed candidate set.
// Results match ClosestNode on the same candidates, including tie-breaking.
// The index is read-only after construction and safe for concurrent use.
type NodeIndex struct {
	tree       *kdtree.Tree
	candidates []models.Point
	spacing    []float64
	dims       int
}

// NewNodeIndex builds a KD-tree over candidates. spacing optionally scales
// each axis before distances are measured; pass nil for unit spacing.
func NewNodeIndex(candidates []models.Point, spacing []float64) (*NodeIndex, error) {
	if len(candidates) == 0 {
		return nil, ErrEmptyCandidateSet
	}
	dims := len(candidates[0])
	if spacing != nil && len(spacing) != dims {
		return nil, fmt.Errorf("spacing has %d axes, candidates have %d: %w", len(spacing), dims, ErrDimensionMismatch)
	}

	nodes := make(indexedNodes, len(candidates))
	for i, c := range candidates {
		if len(c) != dims {
			return nil, fmt.Errorf("candidate %d has %d dimensions, expected %d: %w", i, len(c), dims, ErrDimensionMismatch)
		}
		nodes[i] = indexedNode{coords: scale(c, spacing), order: i}
	}

	return &NodeIndex{
		tree:       kdtree.New(nodes, false),
		candidates: candidates,
		spacing:    spacing,
		dims:       dims,
	}, nil
}

// Len returns the number of indexed candidates
func (x *NodeIndex) Len() int { return len(x.candidates) }

// Closest returns the indexed candidate nearest to query
func (x *NodeIndex) Closest(query models.Point) (models.Point, error) {
	if len(query) != x.dims {
		return nil, fmt.Errorf("query has %d dimensions, index has %d: %w", len(query), x.dims, ErrDimensionMismatch)
	}
	q := indexedNode{coords: scale(query, x.spacing), order: -1}

	nearest, dist := x.tree.Nearest(q)
	if nearest == nil {
		return nil, ErrEmptyCandidateSet
	}

	// Collect every candidate at the minimum distance so the first one in
	// candidate order wins. The search radius is padded so points exactly on
	// a splitting plane are not pruned.
	keeper := kdtree.NewDistKeeper(dist + tieSlack(dist))
	x.tree.NearestSet(keeper, q)

	best := nearest.(indexedNode)
	bestDist := dist
	for _, item := range keeper.Heap {
		if item.Comparable == nil {
			continue
		}
		n := item.Comparable.(indexedNode)
		if item.Dist < bestDist || (item.Dist == bestDist && n.order < best.order) {
			best = n
			bestDist = item.Dist
		}
	}
	return x.candidates[best.order], nil
}

func tieSlack(dist float64) float64 {
	return 1e-9 * math.Max(1, dist)
}

func scale(p models.Point, spacing []float64) []float64 {
	out := make([]float64, len(p))
	for i, v := range p {
		out[i] = float64(v)
		if spacing != nil {
			out[i] *= spacing[i]
		}
	}
	return out
}
