package atlas

import (
	"errors"
	"testing"

	"ccefficiency/internal/models"
)

// createLabelVolume builds an 8x6x6 label volume with a small callosum-like
// slab centred on x=3 made of labels 3, 4 and 5, plus an unrelated label 7
func createLabelVolume() *models.Volume {
	vol := models.NewVolume(8, 6, 6, models.DiagonalAffine(1, 1, 1))
	for x := 2; x <= 4; x++ {
		vol.Set(x, 1, 2, 3)
		vol.Set(x, 2, 2, 4)
		vol.Set(x, 3, 2, 4)
		vol.Set(x, 4, 3, 5)
	}
	vol.Set(0, 0, 0, 7)
	vol.Set(7, 5, 5, 3.5)
	return vol
}

func TestJHULabels(t *testing.T) {
	labels, err := JHU().Labels("Corpus_Callosum")
	if err != nil {
		t.Fatalf("Labels failed: %v", err)
	}
	if len(labels) != 3 || labels[0] != 3 || labels[1] != 4 || labels[2] != 5 {
		t.Errorf("Expected [3 4 5], got %v", labels)
	}

	// The returned slice must not alias the registry
	labels[0] = 99
	again, _ := JHU().Labels(CorpusCallosum)
	if again[0] != 3 {
		t.Error("Labels returned shared storage")
	}

	if _, err := JHU().Labels("fornix"); !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("Expected ErrUnknownRegion, got %v", err)
	}
	if n := len(JHU().Regions()); n != 4 {
		t.Errorf("Expected 4 regions, got %d", n)
	}
}

func TestRegionMask(t *testing.T) {
	vol := createLabelVolume()
	mask, err := RegionMask(vol, []int{3, 4, 5})
	if err != nil {
		t.Fatalf("RegionMask failed: %v", err)
	}
	if mask.Count() != 12 {
		t.Errorf("Expected 12 voxels, got %d", mask.Count())
	}
	if mask.At(0, 0, 0) {
		t.Error("Label 7 should not be part of the mask")
	}
	if mask.At(7, 5, 5) {
		t.Error("Non-integer value 3.5 should not match label 3")
	}
	if mask.Affine != vol.Affine {
		t.Error("Expected mask to keep the volume affine")
	}

	if _, err := RegionMask(vol, []int{42}); !errors.Is(err, ErrEmptyMask) {
		t.Errorf("Expected ErrEmptyMask, got %v", err)
	}
}

func TestMedianSagittalPlane(t *testing.T) {
	if idx := MedianSagittalIndex(182); idx != 90 {
		t.Errorf("Expected index 90 for the MNI 1mm grid, got %d", idx)
	}

	cc, err := RegionMask(createLabelVolume(), []int{3, 4, 5})
	if err != nil {
		t.Fatalf("RegionMask failed: %v", err)
	}
	plane, err := MedianSagittalPlane(cc)
	if err != nil {
		t.Fatalf("MedianSagittalPlane failed: %v", err)
	}

	if plane.Count() != 4 {
		t.Errorf("Expected 4 plane voxels, got %d", plane.Count())
	}
	for _, p := range plane.Points() {
		if p[0] != 3 {
			t.Errorf("Plane voxel %v is off x=3", p)
		}
		if !cc.Contains(p) {
			t.Errorf("Plane voxel %v is not in the corpus callosum", p)
		}
	}

	off := models.NewMask(8, 6, 6, nil)
	off.Set(0, 0, 0, true)
	if _, err := MedianSagittalPlane(off); !errors.Is(err, ErrEmptyMask) {
		t.Errorf("Expected ErrEmptyMask, got %v", err)
	}
}

func TestDisallowedRegionBoundingBox(t *testing.T) {
	cc, err := RegionMask(createLabelVolume(), []int{3, 4, 5})
	if err != nil {
		t.Fatalf("RegionMask failed: %v", err)
	}

	disallowed, err := DisallowedRegion(cc, nil, BoundingBox)
	if err != nil {
		t.Fatalf("DisallowedRegion failed: %v", err)
	}

	// Box is x 2..4, y 1..4, z 2..3: 24 voxels, 12 of them callosum
	if disallowed.Count() != 12 {
		t.Errorf("Expected 12 disallowed voxels, got %d", disallowed.Count())
	}
	if !disallowed.At(3, 1, 3) {
		t.Error("Expected (3,1,3) inside the box to be disallowed")
	}
	if disallowed.At(3, 1, 2) {
		t.Error("Callosum voxel (3,1,2) must not be disallowed")
	}
	if disallowed.At(0, 0, 0) {
		t.Error("Voxel outside the box must not be disallowed")
	}

	if _, err := DisallowedRegion(models.NewMaskLike(cc), nil, BoundingBox); !errors.Is(err, ErrEmptyMask) {
		t.Errorf("Expected ErrEmptyMask, got %v", err)
	}
}

func TestDisallowedRegionBrain(t *testing.T) {
	cc, err := RegionMask(createLabelVolume(), []int{3, 4, 5})
	if err != nil {
		t.Fatalf("RegionMask failed: %v", err)
	}
	brain := models.NewMaskLike(cc)
	for i := range brain.Data {
		brain.Data[i] = 1
	}
	brain.Set(0, 0, 0, false)

	disallowed, err := DisallowedRegion(cc, brain, Brain)
	if err != nil {
		t.Fatalf("DisallowedRegion failed: %v", err)
	}
	if expected := 8*6*6 - 1 - 12; disallowed.Count() != expected {
		t.Errorf("Expected %d disallowed voxels, got %d", expected, disallowed.Count())
	}

	if _, err := DisallowedRegion(cc, nil, Brain); err == nil {
		t.Error("Expected error without a brain mask")
	}
	small := models.NewMask(2, 2, 2, nil)
	if _, err := DisallowedRegion(cc, small, Brain); err == nil {
		t.Error("Expected error for mismatched brain mask")
	}
	if _, err := DisallowedRegion(cc, brain, DisallowedMode("sphere")); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("Expected ErrUnknownMode, got %v", err)
	}
}

func TestParseDisallowedMode(t *testing.T) {
	tests := []struct {
		in       string
		expected DisallowedMode
		wantErr  bool
	}{
		{"", BoundingBox, false},
		{"bbox", BoundingBox, false},
		{"BRAIN", Brain, false},
		{"sphere", "", true},
	}
	for _, tc := range tests {
		got, err := ParseDisallowedMode(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseDisallowedMode(%q): unexpected error state %v", tc.in, err)
			continue
		}
		if got != tc.expected {
			t.Errorf("ParseDisallowedMode(%q): expected %q, got %q", tc.in, tc.expected, got)
		}
	}
}
