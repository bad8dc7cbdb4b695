// Package atlas turns labelled atlas volumes into the binary masks the
// crossing analysis works on: the corpus callosum, its median sagittal
// cross-section and the region a path towards that cross-section may not
// enter.
package atlas

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"ccefficiency/internal/models"
)

var (
	// ErrUnknownRegion is returned when an atlas has no entry for a region name.
	ErrUnknownRegion = errors.New("unknown atlas region")

	// ErrUnknownMode is returned for an unrecognised disallowed-region mode.
	ErrUnknownMode = errors.New("unknown disallowed region mode")

	// ErrEmptyMask is returned when a derived mask would have no voxels.
	ErrEmptyMask = errors.New("mask has no voxels")
)

// CorpusCallosum is the region name used by the default atlas
const CorpusCallosum = "corpus_callosum"

// Atlas maps region names to the integer labels that make them up in a
// label volume
type Atlas struct {
	Name    string
	regions map[string][]int
}

// NewAtlas creates an atlas with no regions
func NewAtlas(name string) *Atlas {
	return &Atlas{Name: name, regions: make(map[string][]int)}
}

// Register adds or replaces a region definition
func (a *Atlas) Register(region string, labels ...int) {
	l := make([]int, len(labels))
	copy(l, labels)
	a.regions[strings.ToLower(region)] = l
}

// Labels returns the labels of region
func (a *Atlas) Labels(region string) ([]int, error) {
	l, ok := a.regions[strings.ToLower(region)]
	if !ok {
		return nil, fmt.Errorf("%s has no region %q: %w", a.Name, region, ErrUnknownRegion)
	}
	out := make([]int, len(l))
	copy(out, l)
	return out, nil
}

// Regions lists the registered region names in sorted order
func (a *Atlas) Regions() []string {
	names := make([]string, 0, len(a.regions))
	for name := range a.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JHU returns the JHU ICBM-DTI-81 white-matter label atlas with the corpus
// callosum made of its genu (3), body (4) and splenium (5)
func JHU() *Atlas {
	a := NewAtlas("JHU-ICBM-labels")
	a.Register("genu_of_corpus_callosum", 3)
	a.Register("body_of_corpus_callosum", 4)
	a.Register("splenium_of_corpus_callosum", 5)
	a.Register(CorpusCallosum, 3, 4, 5)
	return a
}

// RegionMask marks every voxel of vol whose value is one of labels. The
// mask inherits the volume's affine.
func RegionMask(vol *models.Volume, labels []int) (*models.Mask, error) {
	wanted := make(map[int]bool, len(labels))
	for _, l := range labels {
		wanted[l] = true
	}

	mask := models.NewMask(vol.Width, vol.Height, vol.Depth, vol.Affine)
	for i, v := range vol.Data {
		// Label volumes are stored as floats by some tools
		if v == float64(int(v)) && wanted[int(v)] {
			mask.Data[i] = 1
		}
	}

	count := mask.Count()
	if count == 0 {
		return nil, fmt.Errorf("no voxel carries labels %v: %w", labels, ErrEmptyMask)
	}
	log.WithFields(log.Fields{
		"labels": labels,
		"voxels": count,
	}).Debug("Built region mask")
	return mask, nil
}

// MedianSagittalIndex returns the first-axis index of the median sagittal
// plane. The half width is shifted down by one so the plane lands on x=0
// in MNI space for the 182-wide 1mm templates.
func MedianSagittalIndex(width int) int {
	return width/2 - 1
}

// MedianSagittalPlane keeps only the voxels of mask that lie on the
// median sagittal plane
func MedianSagittalPlane(mask *models.Mask) (*models.Mask, error) {
	x := MedianSagittalIndex(mask.Width)
	if x < 0 {
		return nil, fmt.Errorf("width %d has no median plane: %w", mask.Width, ErrEmptyMask)
	}

	plane := models.NewMaskLike(mask)
	for y := 0; y < mask.Height; y++ {
		for z := 0; z < mask.Depth; z++ {
			if mask.At(x, y, z) {
				plane.Set(x, y, z, true)
			}
		}
	}

	if plane.Count() == 0 {
		return nil, fmt.Errorf("mask does not reach plane x=%d: %w", x, ErrEmptyMask)
	}
	return plane, nil
}

// DisallowedMode selects how the region around the corpus callosum that
// paths may not cross is built
type DisallowedMode string

const (
	// BoundingBox disallows voxels inside the corpus callosum bounding box
	// that are not part of it
	BoundingBox DisallowedMode = "bbox"

	// Brain disallows every brain voxel outside the corpus callosum
	Brain DisallowedMode = "brain"
)

// ParseDisallowedMode validates a mode name; the empty string selects
// BoundingBox
func ParseDisallowedMode(s string) (DisallowedMode, error) {
	switch DisallowedMode(strings.ToLower(s)) {
	case "", BoundingBox:
		return BoundingBox, nil
	case Brain:
		return Brain, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownMode)
}

// DisallowedRegion builds the disallowed region from the corpus callosum
// mask cc. brain is only consulted in Brain mode and may be nil otherwise.
func DisallowedRegion(cc, brain *models.Mask, mode DisallowedMode) (*models.Mask, error) {
	out := models.NewMaskLike(cc)

	switch mode {
	case "", BoundingBox:
		lo, hi, ok := cc.BoundingBox()
		if !ok {
			return nil, fmt.Errorf("corpus callosum: %w", ErrEmptyMask)
		}
		for x := lo[0]; x <= hi[0]; x++ {
			for y := lo[1]; y <= hi[1]; y++ {
				for z := lo[2]; z <= hi[2]; z++ {
					if !cc.At(x, y, z) {
						out.Set(x, y, z, true)
					}
				}
			}
		}

	case Brain:
		if brain == nil {
			return nil, errors.New("brain mode requires a brain mask")
		}
		if !brain.SameShape(cc) {
			return nil, fmt.Errorf("brain mask shape %v does not match corpus callosum shape %v", brain.Shape(), cc.Shape())
		}
		for i := range out.Data {
			if brain.Data[i] != 0 && cc.Data[i] == 0 {
				out.Data[i] = 1
			}
		}

	default:
		return nil, fmt.Errorf("%q: %w", mode, ErrUnknownMode)
	}

	log.WithFields(log.Fields{
		"mode":   mode,
		"voxels": out.Count(),
	}).Debug("Built disallowed region")
	return out, nil
}
