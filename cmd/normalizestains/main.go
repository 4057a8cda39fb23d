package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/disintegration/imaging"

	"wsipatch/pkg/batch"
	"wsipatch/pkg/config"
	"wsipatch/pkg/stainnorm"
	"wsipatch/pkg/store"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	inputDir := flag.String("input", "", "Directory of extracted patches (overrides paths.patchDir)")
	outputDir := flag.String("output", "", "Directory to write normalized patches to (overrides paths.normalizedDir)")
	reference := flag.String("reference", "", "Reference patch defining the target stain (overrides normalization.referenceImage)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.ApplyEnv()

	if *inputDir != "" {
		cfg.Paths.PatchDir = *inputDir
	}
	if *outputDir != "" {
		cfg.Paths.NormalizedDir = *outputDir
	}
	if *reference != "" {
		cfg.Normalization.ReferenceImage = *reference
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if cfg.Normalization.ReferenceImage == "" {
		flag.Usage()
		log.Fatalf("A reference image is required")
	}

	ref, err := imaging.Open(cfg.Normalization.ReferenceImage)
	if err != nil {
		log.Fatalf("Failed to read reference image: %v", err)
	}
	if cfg.Normalization.StandardizeLuminosity {
		ref = stainnorm.StandardizeLuminosity(ref, luminosityPercentile)
	}

	n := cfg.Normalization
	normalizer := stainnorm.NewNormalizer(stainnorm.Options{
		LuminosityThreshold: n.LuminosityThreshold,
		Percentile:          n.Percentile,
		Iterations:          n.NMFIterations,
		Sparsity:            n.Sparsity,
		MaxPixels:           n.MaxFitPixels,
	})

	fmt.Println("================================")
	fmt.Println("STAIN NORMALIZATION (VAHADANE)")
	fmt.Println("================================")
	fmt.Printf("Reference:   %s\n", cfg.Normalization.ReferenceImage)
	fmt.Printf("Patches:     %s\n", cfg.Paths.PatchDir)
	fmt.Printf("Normalized:  %s\n", cfg.Paths.NormalizedDir)

	if err := normalizer.Fit(ref); err != nil {
		log.Fatalf("Failed to fit reference stains: %v", err)
	}
	printStains(normalizer)

	st, err := store.New(cfg.StoreOptions(cfg.Paths.NormalizedDir))
	if err != nil {
		log.Fatalf("Failed to create output store: %v", err)
	}

	ctx := context.Background()
	startTime := time.Now()
	report, err := batch.NormalizeDirectory(ctx, cfg.Paths.PatchDir, normalizer, st, batch.NormalizeOptions{
		Extensions:            n.ImageExtensions,
		StandardizeLuminosity: n.StandardizeLuminosity,
		LuminosityPercentile:  luminosityPercentile,
	})
	if err != nil {
		log.Fatalf("Normalization failed: %v", err)
	}

	fmt.Printf("\nNormalization finished in %.2f seconds: %s\n", time.Since(startTime).Seconds(), report.Summary())
}

// luminosityPercentile is the brightness percentile mapped to white when
// standardising luminosity.
const luminosityPercentile = 95

func printStains(n *stainnorm.Normalizer) {
	s := n.StainMatrix()
	for i, name := range []string{"Hematoxylin", "Eosin"} {
		fmt.Printf("%-12s OD (R, G, B) = (%.3f, %.3f, %.3f)\n", name, s.At(i, 0), s.At(i, 1), s.At(i, 2))
	}
}
