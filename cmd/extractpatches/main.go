package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"wsipatch/pkg/batch"
	"wsipatch/pkg/config"
	"wsipatch/pkg/extraction"
	"wsipatch/pkg/slicer"
	"wsipatch/pkg/store"
	"wsipatch/pkg/tissue"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	inputDir := flag.String("input", "", "Directory containing whole-slide images (overrides paths.slideDir)")
	outputDir := flag.String("output", "", "Directory to write patches to (overrides paths.patchDir)")
	patchSize := flag.Int("patch-size", 0, "Patch edge length in pixels (overrides extraction.patchSize)")
	minPatches := flag.Int("min-patches", -1, "Minimum patches per tissue slice (overrides extraction.sliceMinPatch)")
	saveIntermediary := flag.Bool("save-intermediary", false, "Save thumbnails, masks and histograms per slide")
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
		cfg.Paths.SlideDir = *inputDir
	}
	if *outputDir != "" {
		cfg.Paths.PatchDir = *outputDir
	}
	if *patchSize > 0 {
		cfg.Extraction.PatchSize = *patchSize
	}
	if *minPatches >= 0 {
		cfg.Extraction.SliceMinPatch = *minPatches
	}
	if *saveIntermediary {
		cfg.Output.SaveIntermediaryResults = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	conn, _ := slicer.ParseConnectivity(cfg.Extraction.Connectivity)
	agg, _ := tissue.ParseAggregation(cfg.Extraction.Aggregation)

	st, err := store.New(cfg.StoreOptions(cfg.Paths.PatchDir))
	if err != nil {
		log.Fatalf("Failed to create patch store: %v", err)
	}

	fmt.Println("================================")
	fmt.Println("WSI TISSUE PATCH EXTRACTION")
	fmt.Println("================================")
	fmt.Printf("Slides:      %s\n", cfg.Paths.SlideDir)
	fmt.Printf("Patches:     %s\n", cfg.Paths.PatchDir)
	fmt.Printf("Patch size:  %d px, min %d patches per slice, %d-connectivity\n",
		cfg.Extraction.PatchSize, cfg.Extraction.SliceMinPatch, conn)

	params := &extraction.Params{
		PatchSize:               cfg.Extraction.PatchSize,
		SliceMinPatch:           cfg.Extraction.SliceMinPatch,
		Connectivity:            conn,
		Aggregation:             agg,
		MaskCellPixels:          cfg.Extraction.MaskCellPixels,
		TileCacheSize:           cfg.Extraction.TileCacheSize,
		SaveIntermediaryResults: cfg.Output.SaveIntermediaryResults,
		IntermediaryDir:         cfg.Output.IntermediaryDir,
		Verbose:                 cfg.Output.Verbose,
	}
	extractor := extraction.NewExtractor(params, st)

	ctx := context.Background()
	startTime := time.Now()
	report, err := batch.ExtractDirectory(ctx, cfg.Paths.SlideDir, cfg.Extraction.Extensions, extractor)
	if err != nil {
		log.Fatalf("Extraction failed: %v", err)
	}

	fmt.Printf("\nExtraction finished in %.2f seconds: %s\n", time.Since(startTime).Seconds(), report.Summary())
	for _, f := range report.Failures {
		fmt.Printf("- %s\n", f.Error())
	}
}
