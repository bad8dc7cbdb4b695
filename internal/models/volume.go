package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Point is a coordinate tuple in grid-index space. Masks use three
// dimensions, the line rasterizer accepts any.
type Point []int

// Dims returns the dimensionality of the point
func (p Point) Dims() int { return len(p) }

// Equal reports whether both points have the same coordinates
func (p Point) Equal(q Point) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not share storage with p
func (p Point) Clone() Point {
	c := make(Point, len(p))
	copy(c, p)
	return c
}

func (p Point) String() string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.Itoa(v)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// ParsePoint parses "x,y,z" (optionally wrapped in parentheses) into a Point
func ParsePoint(s string) (Point, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	fields := strings.Split(s, ",")
	p := make(Point, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("invalid coordinate %q: %w", f, err)
		}
		p = append(p, v)
	}
	return p, nil
}

// Volume represents a scalar 3D image such as an atlas label volume
type Volume struct {
	// Data is the 3D volume data as a 1D array with x varying fastest
	Data []float64

	// Width, Height and Depth are the grid sizes along the first, second
	// and third index axis
	Width, Height, Depth int

	// Affine maps grid indices to scanner/atlas coordinates
	Affine *Affine
}

// NewVolume allocates a zero-filled volume
func NewVolume(width, height, depth int, affine *Affine) *Volume {
	return &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
		Affine: affine,
	}
}

// Shape returns the grid dimensions
func (v *Volume) Shape() [3]int { return [3]int{v.Width, v.Height, v.Depth} }

// Index converts grid coordinates to the offset into Data
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the value at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores value at (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// Mask is a binary voxel grid: 1 marks a member of the region
type Mask struct {
	Data []uint8

	Width, Height, Depth int

	Affine *Affine
}

// NewMask allocates an empty mask
func NewMask(width, height, depth int, affine *Affine) *Mask {
	return &Mask{
		Data:   make([]uint8, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
		Affine: affine,
	}
}

// NewMaskLike allocates an empty mask with the shape and affine of m
func NewMaskLike(m *Mask) *Mask {
	return NewMask(m.Width, m.Height, m.Depth, m.Affine)
}

// Shape returns the grid dimensions
func (m *Mask) Shape() [3]int { return [3]int{m.Width, m.Height, m.Depth} }

// SameShape reports whether both masks cover the same grid
func (m *Mask) SameShape(o *Mask) bool {
	return m.Shape() == o.Shape()
}

// Index converts grid coordinates to the offset into Data
func (m *Mask) Index(x, y, z int) int {
	return z*m.Width*m.Height + y*m.Width + x
}

// InBounds reports whether p is a valid 3D index of the grid
func (m *Mask) InBounds(p Point) bool {
	return len(p) == 3 &&
		p[0] >= 0 && p[0] < m.Width &&
		p[1] >= 0 && p[1] < m.Height &&
		p[2] >= 0 && p[2] < m.Depth
}

// At reports whether (x, y, z) is a member of the mask
func (m *Mask) At(x, y, z int) bool {
	return m.Data[m.Index(x, y, z)] != 0
}

// Contains reports whether p lies inside the grid and is a member.
// Points outside the grid are never members.
func (m *Mask) Contains(p Point) bool {
	if !m.InBounds(p) {
		return false
	}
	return m.At(p[0], p[1], p[2])
}

// Set marks or clears (x, y, z)
func (m *Mask) Set(x, y, z int, member bool) {
	var v uint8
	if member {
		v = 1
	}
	m.Data[m.Index(x, y, z)] = v
}

// Count returns the number of member voxels
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Points lists the member voxels ordered by x, then y, then z (z varies
// fastest). Tie-breaking in the nearest-point and crossing searches
// depends on this order.
func (m *Mask) Points() []Point {
	points := make([]Point, 0, m.Count())
	for x := 0; x < m.Width; x++ {
		for y := 0; y < m.Height; y++ {
			for z := 0; z < m.Depth; z++ {
				if m.At(x, y, z) {
					points = append(points, Point{x, y, z})
				}
			}
		}
	}
	return points
}

// BoundingBox returns the inclusive minimum and maximum corner of the
// member voxels. ok is false for an empty mask.
func (m *Mask) BoundingBox() (min, max Point, ok bool) {
	min = Point{m.Width, m.Height, m.Depth}
	max = Point{-1, -1, -1}
	for z := 0; z < m.Depth; z++ {
		for y := 0; y < m.Height; y++ {
			for x := 0; x < m.Width; x++ {
				if !m.At(x, y, z) {
					continue
				}
				ok = true
				c := [3]int{x, y, z}
				for i := range c {
					if c[i] < min[i] {
						min[i] = c[i]
					}
					if c[i] > max[i] {
						max[i] = c[i]
					}
				}
			}
		}
	}
	return min, max, ok
}

// ToVolume converts the mask to a 0/1 scalar volume
func (m *Mask) ToVolume() *Volume {
	v := NewVolume(m.Width, m.Height, m.Depth, m.Affine)
	for i, d := range m.Data {
		if d != 0 {
			v.Data[i] = 1
		}
	}
	return v
}

// MaskFromVolume treats every nonzero voxel of v as a member
func MaskFromVolume(v *Volume) *Mask {
	m := NewMask(v.Width, v.Height, v.Depth, v.Affine)
	for i, d := range v.Data {
		if d != 0 {
			m.Data[i] = 1
		}
	}
	return m
}
