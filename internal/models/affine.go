package models

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Affine is the 4x4 transform from grid indices to physical coordinates.
// It is never modified after construction.
type Affine struct {
	m *mat.Dense
}

// NewAffine builds an affine from 16 row-major values
func NewAffine(rowMajor []float64) (*Affine, error) {
	if len(rowMajor) != 16 {
		return nil, fmt.Errorf("affine needs 16 values, got %d", len(rowMajor))
	}
	data := make([]float64, 16)
	copy(data, rowMajor)
	return &Affine{m: mat.NewDense(4, 4, data)}, nil
}

// IdentityAffine returns the identity transform
func IdentityAffine() *Affine {
	return DiagonalAffine(1, 1, 1)
}

// DiagonalAffine returns a pure scaling transform with the given voxel sizes
func DiagonalAffine(dx, dy, dz float64) *Affine {
	return &Affine{m: mat.NewDense(4, 4, []float64{
		dx, 0, 0, 0,
		0, dy, 0, 0,
		0, 0, dz, 0,
		0, 0, 0, 1,
	})}
}

// At returns the element at row i, column j
func (a *Affine) At(i, j int) float64 { return a.m.At(i, j) }

// RowMajor returns a copy of the 16 matrix values
func (a *Affine) RowMajor() []float64 {
	out := make([]float64, 0, 16)
	for i := 0; i < 4; i++ {
		out = append(out, a.m.RawRowView(i)...)
	}
	return out
}

// VoxelSizes returns the length of each index axis in physical units
func (a *Affine) VoxelSizes() [3]float64 {
	var sizes [3]float64
	col := make([]float64, 4)
	for j := 0; j < 3; j++ {
		mat.Col(col, j, a.m)
		sizes[j] = floats.Norm(col[:3], 2)
	}
	return sizes
}

// ToWorld maps a (possibly fractional) grid index to physical coordinates
func (a *Affine) ToWorld(idx [3]float64) r3.Vec {
	var out mat.VecDense
	out.MulVec(a.m, mat.NewVecDense(4, []float64{idx[0], idx[1], idx[2], 1}))
	return r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// ToVoxel maps physical coordinates back to fractional grid indices
func (a *Affine) ToVoxel(w r3.Vec) ([3]float64, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.m); err != nil {
		return [3]float64{}, fmt.Errorf("affine is not invertible: %w", err)
	}
	var out mat.VecDense
	out.MulVec(&inv, mat.NewVecDense(4, []float64{w.X, w.Y, w.Z, 1}))
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}, nil
}
