package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/spatial/r3"

	"ccefficiency/internal/models"
	"ccefficiency/pkg/config"
	"ccefficiency/pkg/crossing"
	"ccefficiency/pkg/pipeline"
)

const usage = `Usage: ccefficiency [-config file] [-verbose] <command> [flags]

Commands:
  init-config [path]   write a default configuration file
  mask                 build the corpus callosum mask from the atlas
  plane                extract the median sagittal plane of the mask
  register             move the corpus callosum mask into a subject's space
  eligible             build the eligible voxel region
  crossing             find the optimal crossing between two points
  all                  run mask, plane and eligible in order
`

// errUsage asks main to print the usage text before exiting
var errUsage = errors.New("invalid usage")

func main() {
	configPath := flag.String("config", "config.yaml", "Configuration file (.yaml or .toml)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(flag.Arg(0), flag.Args()[1:], *configPath, *verbose); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%v\n\n", err)
			flag.Usage()
			os.Exit(1)
		}
		log.Fatal(err)
	}
}

// run executes one command. Deferred cleanup (log file, signal handler)
// always happens before it returns.
func run(command string, args []string, configPath string, verbose bool) error {
	if command == "init-config" {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}
		if err := config.CreateDefaultConfigFile(path); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		fmt.Printf("Default configuration written to: %s\n", path)
		return nil
	}

	switch command {
	case "mask", "plane", "register", "eligible", "crossing", "all":
	default:
		return fmt.Errorf("unknown command %q: %w", command, errUsage)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Output.Verbose = true
	}
	logCloser := cfg.SetupLogging()
	defer logCloser.Close()

	params, err := pipeline.ParamsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	p := pipeline.NewPipeline(params)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Println("================================")
	fmt.Println("CORPUS CALLOSUM CROSSING EFFICIENCY")
	fmt.Println("================================")

	startTime := time.Now()
	switch command {
	case "mask":
		cc, err := p.CreateCorpusCallosum()
		if err != nil {
			return fmt.Errorf("mask creation failed: %w", err)
		}
		fmt.Printf("Corpus callosum mask: %s voxels\n", humanize.Comma(int64(cc.Count())))
		fmt.Printf("Saved to: %s\n", p.Path(pipeline.CorpusCallosumFile))

	case "plane":
		plane, err := p.CreatePlane()
		if err != nil {
			return fmt.Errorf("plane extraction failed: %w", err)
		}
		fmt.Printf("Median sagittal plane: %s voxels\n", humanize.Comma(int64(plane.Count())))
		fmt.Printf("Saved to: %s\n", p.Path(pipeline.PlaneFile))

	case "register":
		fs := flag.NewFlagSet("register", flag.ContinueOnError)
		subject := fs.String("subject", "", "Subject image defining the target space")
		output := fs.String("out", "", "Output mask (default: derived from the subject name)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *subject == "" {
			fs.Usage()
			return fmt.Errorf("register: -subject is required")
		}
		out, err := p.TransformToSubject(ctx, *subject, *output)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		fmt.Printf("Subject-space mask: %s\n", out)

	case "eligible":
		eligible, err := p.BuildEligibleRegion(ctx)
		if err != nil {
			return fmt.Errorf("eligible region failed: %w", err)
		}
		fmt.Printf("Eligible voxels: %s\n", humanize.Comma(int64(eligible.Count())))
		fmt.Printf("Saved to: %s\n", p.Path(pipeline.EligibleFile))

	case "crossing":
		fs := flag.NewFlagSet("crossing", flag.ContinueOnError)
		p1 := fs.String("p1", "", "First point as x,y,z")
		p2 := fs.String("p2", "", "Second point as x,y,z")
		world := fs.Bool("world", false, "Points are world coordinates in mm instead of voxel indices")
		area := fs.String("area", "", "Crossing area mask (default: median sagittal plane)")
		if err := fs.Parse(args); err != nil {
			return err
		}

		space := pipeline.VoxelSpace
		parse := parseVoxel
		if *world {
			space = pipeline.WorldSpace
			parse = parseVec
		}
		v1, err := parse(*p1)
		if err != nil {
			return fmt.Errorf("invalid -p1: %w", err)
		}
		v2, err := parse(*p2)
		if err != nil {
			return fmt.Errorf("invalid -p2: %w", err)
		}

		result, err := p.FindCrossing(v1, v2, space, *area)
		if err != nil {
			return fmt.Errorf("crossing search failed: %w", err)
		}
		fmt.Printf("Optimal crossing voxel: %v\n", result.Point)
		fmt.Printf("Total distance: %.3f\n", result.Distance)

	case "all":
		if err := p.RunAll(ctx); err != nil {
			return fmt.Errorf("pipeline failed: %w", err)
		}
	}

	fmt.Printf("\nCompleted in %.2f seconds\n", time.Since(startTime).Seconds())
	return nil
}

// parseVoxel reads integer grid indices "x,y,z"
func parseVoxel(s string) (r3.Vec, error) {
	p, err := models.ParsePoint(s)
	if err != nil {
		return r3.Vec{}, err
	}
	if p.Dims() != 3 {
		return r3.Vec{}, fmt.Errorf("expected 3 coordinates, got %v", p)
	}
	return crossing.VecOf(p), nil
}

// parseVec reads "x,y,z" with optional parentheses
func parseVec(s string) (r3.Vec, error) {
	s = strings.Trim(strings.TrimSpace(s), "()")
	fields := strings.Split(s, ",")
	if len(fields) != 3 {
		return r3.Vec{}, fmt.Errorf("expected 3 comma-separated values, got %q", s)
	}
	var v [3]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return r3.Vec{}, err
		}
		v[i] = x
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}
