package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/suyashkumar/dicom"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"dvfwarp/pkg/config"
	"dvfwarp/pkg/dicomreg"
	"dvfwarp/pkg/pipeline"
	"dvfwarp/pkg/preview"
	"dvfwarp/pkg/resample"
	"dvfwarp/pkg/volume"
)

func main() {
	// Parse command line arguments
	sourcePath := flag.String("source", "", "Source volume: NIfTI file or DICOM series directory")
	regPath := flag.String("reg", "", "DICOM spatial registration file holding the rigid matrix")
	dvfPath := flag.String("dvf", "", "DICOM deformable registration file holding the displacement grid")
	targetPath := flag.String("target", "", "Target geometry: NIfTI file or DICOM series directory")
	outName := flag.String("out", "warped.nii.gz", "Output NIfTI filename")
	intermediateName := flag.String("intermediate", "", "Also save the DVF-space volume to this NIfTI file")
	rigidOnly := flag.Bool("rigid-only", false, "Apply only the rigid transform and save that warp")
	interp := flag.String("interp", "", "Interpolation: linear or nearest (overrides config)")
	fill := flag.Float64("fill", 0, "Fill value for voxels mapped outside the source (overrides config)")
	configPath := flag.String("config", "dvfwarp.yaml", "YAML configuration file")
	previewDir := flag.String("preview", "", "Directory for mid-slice PNG previews of the outputs")
	flag.Parse()

	// Validate inputs
	if *sourcePath == "" || *regPath == "" {
		flag.Usage()
		os.Exit(1)
	}
	if !*rigidOnly && (*dvfPath == "" || *targetPath == "") {
		log.Fatalf("-dvf and -target are required unless -rigid-only is set")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	opts, err := cfg.ResampleOptions()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	// Explicit flags override the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interp":
			mode, err := resample.ParseMode(*interp)
			if err != nil {
				log.Fatalf("Invalid -interp value: %v", err)
			}
			opts.Interpolation = mode
		case "fill":
			opts.DefaultValue = *fill
		}
	})
	if cfg.Output.Verbose {
		opts.Progress = printProgress
	}

	outPath := resolveOut(cfg, *outName)
	intermediatePath := resolveOut(cfg, *intermediateName)
	previews := resolveOut(cfg, *previewDir)
	if previews == "" && cfg.Output.SavePreviews {
		previews = resolveOut(cfg, "previews")
	}

	fmt.Println("================================")
	fmt.Println("DVFWARP - DEFORMABLE WARPING OF CT VOLUMES FROM DICOM REGISTRATION OBJECTS")
	fmt.Println("================================")

	p := pipeline.New(pipeline.Options{
		Resample:      opts,
		KeepRigidWarp: cfg.Pipeline.KeepRigidWarp || *rigidOnly,
	})
	startTime := time.Now()

	if *rigidOnly {
		fmt.Printf("\n[1/4] Loading source volume from %s...\n", *sourcePath)
		run(p.LoadSourceFile(*sourcePath))

		fmt.Printf("\n[2/4] Loading rigid registration from %s...\n", *regPath)
		loadRigid(p, *regPath)

		fmt.Println("\n[3/4] Applying rigid transform...")
		run(p.ApplyRigidOnly())

		fmt.Printf("\n[4/4] Saving rigid-only warp to %s...\n", outPath)
		run(p.SaveRigidWarped(outPath))

		summarize(p.RigidWarped())
		if previews != "" {
			savePreviews(p.RigidWarped(), previews, "rigid")
		}
		fmt.Printf("\nCompleted in %.2f seconds.\n", time.Since(startTime).Seconds())
		return
	}

	fmt.Printf("\n[1/6] Loading source volume from %s...\n", *sourcePath)
	run(p.LoadSourceFile(*sourcePath))

	fmt.Printf("\n[2/6] Loading rigid registration from %s...\n", *regPath)
	loadRigid(p, *regPath)

	fmt.Printf("\n[3/6] Loading deformable registration from %s...\n", *dvfPath)
	loadDVF(p, *dvfPath)

	fmt.Println("\n[4/6] Warping source through rigid + deformable transforms...")
	run(p.ApplyTransformations())
	if intermediatePath != "" {
		run(p.SaveIntermediate(intermediatePath))
	}

	fmt.Printf("\n[5/6] Resampling onto target geometry from %s...\n", *targetPath)
	run(p.ResampleToTargetFile(*targetPath))

	fmt.Printf("\n[6/6] Saving warped volume to %s...\n", outPath)
	run(p.Save(outPath))

	summarize(p.Final())
	if previews != "" {
		savePreviews(p.Intermediate(), previews, "dvf_space")
		savePreviews(p.Final(), previews, "warped")
	}
	fmt.Printf("\nCompleted in %.2f seconds.\n", time.Since(startTime).Seconds())
}

// run aborts on a failed pipeline stage and narrates a successful one.
func run(ok bool, msg string) {
	if !ok {
		log.Fatalf("Failed: %s", msg)
	}
	fmt.Printf("  %s\n", msg)
}

// loadRigid decodes the registration file outside the pipeline so the
// SOP class can be checked and the matrix reported before loading.
func loadRigid(p *pipeline.Pipeline, path string) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		log.Fatalf("Failed to parse %s: %v", path, err)
	}
	if uid := dicomreg.SOPClassUID(ds); uid != dicomreg.SpatialRegistrationStorage {
		log.Printf("Warning: %s has SOP class %q, expected Spatial Registration Storage; continuing", path, uid)
	}
	rigid, err := dicomreg.DecodeRigid(ds)
	if err != nil {
		log.Fatalf("Failed to decode rigid registration: %v", err)
	}
	run(p.LoadRigid(rigid))
	tr := rigid.Translation()
	fmt.Printf("  translation: (%.3f, %.3f, %.3f) mm\n", tr.X, tr.Y, tr.Z)
}

// loadDVF decodes the deformable registration outside the pipeline to
// report the grid geometry and displacement statistics.
func loadDVF(p *pipeline.Pipeline, path string) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		log.Fatalf("Failed to parse %s: %v", path, err)
	}
	if uid := dicomreg.SOPClassUID(ds); uid != dicomreg.DeformableSpatialRegistrationStorage {
		log.Printf("Warning: %s has SOP class %q, expected Deformable Spatial Registration Storage; continuing", path, uid)
	}
	grid, err := dicomreg.DecodeGrid(ds)
	if err != nil {
		log.Fatalf("Failed to decode deformable registration: %v", err)
	}
	stats := grid.Stats()
	fmt.Printf("  grid: %s\n", grid.Geom)
	fmt.Printf("  displacement magnitude: mean %.3f mm, max %.3f mm, stddev %.3f mm\n",
		stats.MeanMagnitude, stats.MaxMagnitude, stats.StdDev)
	fmt.Printf("  max |dx|/|dy|/|dz|: %.3f / %.3f / %.3f mm\n",
		stats.MaxAbs[0], stats.MaxAbs[1], stats.MaxAbs[2])
	run(p.LoadDVF(ds))
}

// summarize prints intensity statistics of an output volume.
func summarize(v *volume.Volume) {
	mean := stat.Mean(v.Data, nil)
	stddev := stat.StdDev(v.Data, nil)
	nonzero := 0
	for _, s := range v.Data {
		if s != 0 {
			nonzero++
		}
	}

	fmt.Println("\nOutput volume statistics:")
	fmt.Printf("  geometry: %s\n", v.Geom)
	fmt.Printf("  pixel type: %s\n", v.Pixel)
	fmt.Printf("  intensity: mean %.2f, stddev %.2f, range [%.2f, %.2f]\n",
		mean, stddev, floats.Min(v.Data), floats.Max(v.Data))
	fmt.Printf("  non-zero voxels: %.1f%%\n", 100*float64(nonzero)/float64(len(v.Data)))
}

func savePreviews(v *volume.Volume, dir, prefix string) {
	if err := preview.NewViewer(v).SaveMidSlices(dir, prefix); err != nil {
		log.Printf("Warning: failed to save %s previews: %v", prefix, err)
		return
	}
	fmt.Printf("  saved %s previews to %s\n", prefix, dir)
}

// printProgress overwrites one status line per completed output slice.
func printProgress(done, total int) {
	fmt.Printf("\r  resampling slice %d/%d", done, total)
	if done == total {
		fmt.Println()
	}
}

// resolveOut places relative output paths under the configured output
// directory.
func resolveOut(cfg *config.Config, path string) string {
	if path == "" || filepath.IsAbs(path) || cfg.Output.Directory == "" {
		return path
	}
	return filepath.Join(cfg.Output.Directory, path)
}
