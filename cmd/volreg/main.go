package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"

	"volreg/pkg/config"
	"volreg/pkg/optim"
	"volreg/pkg/registration"
	"volreg/pkg/visualization"
	"volreg/pkg/volume"
)

// loadInput loads a directory as a 3D JPEG slice stack and a regular
// file as a single 2D JPEG. The configured spacing is (x, y, z); a
// planar image uses its (x, y) part.
func loadInput(path string, spacing []float64) (*volume.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return volume.LoadSliceStack(path, spacing)
	}
	if len(spacing) >= 2 {
		spacing = spacing[:2]
	}
	return volume.LoadImageFile(path, spacing)
}

func main() {
	// Parse command line arguments
	fixedDir := flag.String("fixed", "", "Fixed image: a directory of JPEG slices or a single JPEG")
	movingDir := flag.String("moving", "", "Moving image: a directory of JPEG slices or a single JPEG")
	configPath := flag.String("config", "volreg.yaml", "Path to the YAML configuration file")
	saveMoved := flag.Bool("save-moved", false, "Save the moved image of every scale")
	movedDir := flag.String("moved-dir", "", "Directory to save moved-image slices (overrides config)")
	flag.Parse()

	// Validate inputs
	if *fixedDir == "" || *movingDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *saveMoved {
		cfg.Output.SaveMoved = true
	}
	if *movedDir != "" {
		cfg.Output.MovedDir = *movedDir
	}

	fmt.Println("================================")
	fmt.Println("MULTI-RESOLUTION AFFINE REGISTRATION")
	fmt.Println("================================")

	// Load the two images
	fmt.Println("Loading fixed image...")
	fixed, err := loadInput(*fixedDir, cfg.Input.FixedSpacing)
	if err != nil {
		log.Fatalf("Failed to load fixed image: %v", err)
	}
	fmt.Println("Loading moving image...")
	moving, err := loadInput(*movingDir, cfg.Input.MovingSpacing)
	if err != nil {
		log.Fatalf("Failed to load moving image: %v", err)
	}

	fixedBatch, err := volume.NewBatch(fixed)
	if err != nil {
		log.Fatalf("Invalid fixed image: %v", err)
	}
	movingBatch, err := volume.NewBatch(moving)
	if err != nil {
		log.Fatalf("Invalid moving image: %v", err)
	}

	fmt.Printf("Fixed image: %v voxels, spacing %v\n", fixed.Size, fixed.Spacing)
	fmt.Printf("Moving image: %v voxels, spacing %v\n", moving.Size, moving.Spacing)

	params := registration.Params{
		Scales:            cfg.Registration.Scales,
		Iterations:        cfg.Registration.Iterations,
		Fixed:             fixedBatch,
		Moving:            movingBatch,
		LossType:          cfg.Registration.Loss,
		OptimizerRule:     cfg.Optimizer.Rule,
		Tolerance:         cfg.Registration.Tolerance,
		MaxToleranceIters: cfg.Registration.MaxToleranceIters,
		ToleranceMode:     cfg.Registration.ToleranceMode,
		Optim: optim.Config{
			LearningRate: cfg.Optimizer.LearningRate,
			Momentum:     cfg.Optimizer.Momentum,
			Beta1:        cfg.Optimizer.Beta1,
			Beta2:        cfg.Optimizer.Beta2,
			Epsilon:      cfg.Optimizer.Epsilon,
		},
	}
	if cfg.Output.Verbose {
		params.Progress = func(scale, iter, iters int, loss float64) {
			fmt.Printf("\rscale: %d, iter: %d/%d, loss: %.6f", scale, iter, iters, loss)
			if iter == iters {
				fmt.Println()
			}
		}
	}

	reg, err := registration.NewAffineRegistration(params)
	if err != nil {
		log.Fatalf("Failed to configure registration: %v", err)
	}

	fmt.Println("Starting multi-resolution registration...")
	startTime := time.Now()
	if err := reg.Optimize(cfg.Output.SaveMoved); err != nil {
		log.Fatalf("Registration failed: %v", err)
	}
	fmt.Printf("\nRegistration completed in %.2f seconds\n\n", time.Since(startTime).Seconds())

	// Report the estimated transforms
	for i, m := range reg.FinalMatrices() {
		fmt.Printf("Affine transform for item %d (normalized coordinates act in physical space):\n", i)
		fmt.Printf("%v\n\n", mat.Formatted(m, mat.Prefix(""), mat.Squeeze()))
	}

	// Save per-scale moved images if requested
	if cfg.Output.SaveMoved {
		fmt.Println("Saving moved images per scale...")
		for si, mv := range reg.MovedImages() {
			// Moved images are [N, C, (D,) H, W]; export item 0, channel 0.
			spatial := mv.Shape[2:]
			width := spatial[len(spatial)-1]
			height := spatial[len(spatial)-2]
			depth := 1
			if len(spatial) == 3 {
				depth = spatial[0]
			}
			viewer := visualization.NewViewer(mv.Data[:width*height*depth], width, height, depth)
			outDir := filepath.Join(cfg.Output.MovedDir, fmt.Sprintf("scale_%02d", si))
			if err := viewer.SaveSliceSequence("z", outDir); err != nil {
				log.Printf("Warning: failed to save moved images for scale %d: %v", si, err)
			}
		}
		fmt.Printf("Moved images saved to: %s\n", cfg.Output.MovedDir)
	}
}
