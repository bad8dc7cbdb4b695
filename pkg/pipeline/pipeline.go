// Package pipeline chains the steps of the crossing-efficiency analysis:
// corpus callosum mask from the atlas, its median sagittal plane, the
// registration into subject space, the eligible region and the optimal
// crossing between two points.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/spatial/r3"

	"ccefficiency/internal/models"
	"ccefficiency/pkg/atlas"
	"ccefficiency/pkg/config"
	"ccefficiency/pkg/crossing"
	"ccefficiency/pkg/nifti"
	"ccefficiency/pkg/registration"
)

// Output file names inside Params.OutputDir
const (
	CorpusCallosumFile = "corpus_callosum_1mm.nii.gz"
	PlaneFile          = "corpus_callosum_med_sag_plane_1mm.nii.gz"
	DisallowedFile     = "disallowed_voxels_1mm.nii.gz"
	EligibleFile       = "eligible_voxels_1mm.nii.gz"
)

// Space names the coordinate system of points handed to FindCrossing
type Space string

const (
	// VoxelSpace points are grid indices of the area mask
	VoxelSpace Space = "voxel"

	// WorldSpace points are millimetre coordinates mapped through the area affine
	WorldSpace Space = "world"
)

// Params holds the pipeline inputs and processing choices
type Params struct {
	// AtlasPath is the label atlas the corpus callosum is taken from
	AtlasPath string

	// BrainMaskPath is the template brain mask; its voxels are tested for eligibility
	BrainMaskPath string

	// TemplatePath is the anatomical template registered to subjects
	TemplatePath string

	// OutputDir receives every derived mask
	OutputDir string

	// Region and Labels select the atlas labels. Labels wins when set.
	Region string
	Labels []int

	// NumCores bounds the eligible-region workers
	NumCores int

	// UseVoxelSpacing measures distances in millimetres using the affine voxel sizes
	UseVoxelSpacing bool

	// DisallowedMode decides which voxels a path to the plane may not cross
	DisallowedMode atlas.DisallowedMode

	// Registration runs the external registration tool
	Registration *registration.Runner
}

// ParamsFromConfig maps a loaded configuration onto pipeline parameters
func ParamsFromConfig(cfg *config.Config) (*Params, error) {
	mode, err := atlas.ParseDisallowedMode(cfg.Processing.DisallowedMode)
	if err != nil {
		return nil, err
	}
	return &Params{
		AtlasPath:       cfg.Paths.Atlas,
		BrainMaskPath:   cfg.Paths.BrainMask,
		TemplatePath:    cfg.Paths.Template,
		OutputDir:       cfg.Paths.OutputDir,
		Region:          cfg.Processing.Region,
		Labels:          cfg.Processing.CCLabels,
		NumCores:        cfg.Processing.NumCores,
		UseVoxelSpacing: cfg.Processing.UseVoxelSpacing,
		DisallowedMode:  mode,
		Registration: &registration.Runner{
			Binary:   cfg.Registration.Binary,
			Attempts: cfg.Registration.Attempts,
		},
	}, nil
}

// Pipeline runs the analysis steps. Each step reads the files the previous
// step wrote, so steps can be run separately from the command line.
type Pipeline struct {
	params *Params
	atlas  *atlas.Atlas
}

// NewPipeline creates a pipeline using the JHU atlas labels
func NewPipeline(params *Params) *Pipeline {
	return &Pipeline{
		params: params,
		atlas:  atlas.JHU(),
	}
}

// Path returns the location of an output file
func (p *Pipeline) Path(name string) string {
	return filepath.Join(p.params.OutputDir, name)
}

func (p *Pipeline) ensureOutputDir() error {
	if err := os.MkdirAll(p.params.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}

func (p *Pipeline) labels() ([]int, error) {
	if len(p.params.Labels) > 0 {
		return p.params.Labels, nil
	}
	region := p.params.Region
	if region == "" {
		region = atlas.CorpusCallosum
	}
	return p.atlas.Labels(region)
}

// CreateCorpusCallosum extracts the corpus callosum labels from the atlas
// and saves the binary mask
func (p *Pipeline) CreateCorpusCallosum() (*models.Mask, error) {
	labels, err := p.labels()
	if err != nil {
		return nil, err
	}
	vol, err := nifti.Read(p.params.AtlasPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load atlas: %w", err)
	}

	cc, err := atlas.RegionMask(vol, labels)
	if err != nil {
		return nil, fmt.Errorf("failed to build corpus callosum mask: %w", err)
	}
	if err := p.save(CorpusCallosumFile, cc); err != nil {
		return nil, err
	}
	return cc, nil
}

// CreatePlane keeps the median sagittal slice of the saved corpus callosum
func (p *Pipeline) CreatePlane() (*models.Mask, error) {
	cc, err := nifti.ReadMask(p.Path(CorpusCallosumFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus callosum: %w", err)
	}
	plane, err := atlas.MedianSagittalPlane(cc)
	if err != nil {
		return nil, fmt.Errorf("failed to extract median sagittal plane: %w", err)
	}
	if err := p.save(PlaneFile, plane); err != nil {
		return nil, err
	}
	return plane, nil
}

// TransformToSubject moves the corpus callosum mask into the space of the
// subject image. An empty output derives the name from the subject.
func (p *Pipeline) TransformToSubject(ctx context.Context, subject, output string) (string, error) {
	runner := p.params.Registration
	if runner == nil {
		runner = registration.NewRunner(registration.DefaultBinary)
	}
	out, ran, err := runner.TransformMaskToSubject(ctx, registration.TransformRequest{
		Mask:     p.Path(CorpusCallosumFile),
		Template: p.params.TemplatePath,
		Subject:  subject,
		Output:   output,
	})
	if err != nil {
		return "", err
	}
	if ran {
		log.WithFields(log.Fields{
			"subject": subject,
			"output":  out,
		}).Info("Transformed corpus callosum to subject space")
	}
	return out, nil
}

// BuildEligibleRegion tests every brain-mask voxel for a clear path to the
// median sagittal plane and saves the eligible voxels
func (p *Pipeline) BuildEligibleRegion(ctx context.Context) (*models.Mask, error) {
	cc, err := nifti.ReadMask(p.Path(CorpusCallosumFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load corpus callosum: %w", err)
	}
	plane, err := nifti.ReadMask(p.Path(PlaneFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load plane: %w", err)
	}
	brain, err := nifti.ReadMask(p.params.BrainMaskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load brain mask: %w", err)
	}

	disallowed, err := atlas.DisallowedRegion(cc, brain, p.params.DisallowedMode)
	if err != nil {
		return nil, fmt.Errorf("failed to build disallowed region: %w", err)
	}
	if err := p.save(DisallowedFile, disallowed); err != nil {
		return nil, err
	}

	total := brain.Count()
	log.WithFields(log.Fields{
		"voxels":      humanize.Comma(int64(total)),
		"planeVoxels": humanize.Comma(int64(plane.Count())),
		"mode":        p.params.DisallowedMode,
	}).Info("Building eligible region")

	opts := crossing.EligibleOptions{
		Workers:  p.params.NumCores,
		Progress: progressLogger(total),
	}
	if p.params.UseVoxelSpacing {
		sizes := brain.Affine.VoxelSizes()
		opts.Spacing = sizes[:]
	}

	start := time.Now()
	eligible, err := crossing.BuildEligibleRegion(ctx, brain, plane, disallowed, opts)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"eligible": humanize.Comma(int64(eligible.Count())),
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("Eligible region done")

	if err := p.save(EligibleFile, eligible); err != nil {
		return nil, err
	}
	return eligible, nil
}

// progressLogger reports roughly every tenth of the work
func progressLogger(voxels int) crossing.ProgressFunc {
	step := voxels / 10
	if step < 1 {
		step = 1
	}
	var reported atomic.Int64
	return func(done, total int) {
		// Chunks finish out of order; only report when a new tenth is crossed
		mark := int64(done / step)
		for {
			cur := reported.Load()
			if mark <= cur {
				return
			}
			if reported.CompareAndSwap(cur, mark) {
				break
			}
		}
		log.Debugf("Eligible region: %s/%s voxels", humanize.Comma(int64(done)), humanize.Comma(int64(total)))
	}
}

// FindCrossing returns the area voxel minimising the summed distance to p1
// and p2. area is a mask file; empty uses the median sagittal plane.
func (p *Pipeline) FindCrossing(p1, p2 r3.Vec, space Space, area string) (crossing.Crossing, error) {
	mask, err := p.loadArea(area)
	if err != nil {
		return crossing.Crossing{}, err
	}
	return p.findCrossing(p1, p2, space, mask)
}

// FindCrossings solves every pair against the same area and summarises the
// minimum distances
func (p *Pipeline) FindCrossings(pairs [][2]r3.Vec, space Space, area string) ([]crossing.Crossing, crossing.Summary, error) {
	mask, err := p.loadArea(area)
	if err != nil {
		return nil, crossing.Summary{}, err
	}

	results := make([]crossing.Crossing, 0, len(pairs))
	for i, pair := range pairs {
		c, err := p.findCrossing(pair[0], pair[1], space, mask)
		if err != nil {
			return nil, crossing.Summary{}, fmt.Errorf("pair %d: %w", i, err)
		}
		results = append(results, c)
	}
	return results, crossing.Summarize(results), nil
}

func (p *Pipeline) loadArea(area string) (*models.Mask, error) {
	if area == "" {
		area = p.Path(PlaneFile)
	}
	mask, err := nifti.ReadMask(area)
	if err != nil {
		return nil, fmt.Errorf("failed to load crossing area: %w", err)
	}
	return mask, nil
}

func (p *Pipeline) findCrossing(p1, p2 r3.Vec, space Space, area *models.Mask) (crossing.Crossing, error) {
	switch space {
	case "", VoxelSpace:
	case WorldSpace:
		var err error
		if p1, err = toVoxel(area, p1); err != nil {
			return crossing.Crossing{}, err
		}
		if p2, err = toVoxel(area, p2); err != nil {
			return crossing.Crossing{}, err
		}
	default:
		return crossing.Crossing{}, fmt.Errorf("unknown coordinate space %q", space)
	}

	if p.params.UseVoxelSpacing && area.Affine != nil {
		sizes := area.Affine.VoxelSizes()
		return crossing.FindOptimalCrossingScaled(p1, p2, area, sizes[:])
	}
	return crossing.FindOptimalCrossing(p1, p2, area)
}

func toVoxel(area *models.Mask, w r3.Vec) (r3.Vec, error) {
	if area.Affine == nil {
		return r3.Vec{}, errors.New("area has no affine to map world coordinates")
	}
	idx, err := area.Affine.ToVoxel(w)
	if err != nil {
		return r3.Vec{}, fmt.Errorf("failed to map %v to voxel space: %w", w, err)
	}
	return r3.Vec{X: idx[0], Y: idx[1], Z: idx[2]}, nil
}

// RunAll creates the corpus callosum, the plane and the eligible region
func (p *Pipeline) RunAll(ctx context.Context) error {
	fmt.Println("Step 1: Creating corpus callosum mask...")
	cc, err := p.CreateCorpusCallosum()
	if err != nil {
		return err
	}
	fmt.Printf("Corpus callosum: %s voxels\n", humanize.Comma(int64(cc.Count())))

	fmt.Println("Step 2: Extracting median sagittal plane...")
	plane, err := p.CreatePlane()
	if err != nil {
		return err
	}
	fmt.Printf("Median sagittal plane: %s voxels\n", humanize.Comma(int64(plane.Count())))

	fmt.Println("Step 3: Building eligible region...")
	eligible, err := p.BuildEligibleRegion(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Eligible region: %s voxels\n", humanize.Comma(int64(eligible.Count())))
	return nil
}

func (p *Pipeline) save(name string, m *models.Mask) error {
	if err := p.ensureOutputDir(); err != nil {
		return err
	}
	path := p.Path(name)
	if err := nifti.WriteMask(path, m); err != nil {
		return fmt.Errorf("failed to save %s: %w", name, err)
	}
	log.WithFields(log.Fields{
		"path":   path,
		"voxels": humanize.Comma(int64(m.Count())),
	}).Info("Saved mask")
	return nil
}
