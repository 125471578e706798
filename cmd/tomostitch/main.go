package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tomostitch/internal/monitoring"
	"tomostitch/internal/stitcherr"
	"tomostitch/internal/version"
	"tomostitch/pkg/aggregation"
	"tomostitch/pkg/config"
	"tomostitch/pkg/stitching"
	"tomostitch/pkg/tomo"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "Stitching configuration file (.yaml or .toml)")
	output := flag.String("output", "", "Output identifier, overrides the configuration (e.g. raw:/data/stitched.f32)")
	overwrite := flag.Bool("overwrite", false, "Replace an existing output")
	chunks := flag.Int("chunks", 1, "Split the frame/slice selection into this many sub-jobs")
	workers := flag.Int("workers", 1, "Number of sub-jobs run at once")
	ledgerPath := flag.String("ledger", "", "SQLite job ledger recording sub-jobs")
	aggregateRun := flag.String("aggregate", "", "Aggregate the partial outputs of a run recorded in the ledger")
	extractSlices := flag.Bool("extract-slices", false, "Save the middle slices of a stitched volume as JPEG")
	slicesDir := flag.String("slices-dir", "stitched_slices", "Directory to save extracted slices")
	quiet := flag.Bool("quiet", false, "Only print errors")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s (git %s, built %s)\n", version.Program, version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if *quiet {
		defer monitoring.SetLogger(nil)()
	}
	if *configPath == "" && *aggregateRun == "" {
		flag.Usage()
		os.Exit(1)
	}

	var ledger *aggregation.Ledger
	if *ledgerPath != "" {
		var err error
		if ledger, err = aggregation.OpenLedger(*ledgerPath); err != nil {
			log.Fatalf("Failed to open ledger: %v", err)
		}
		defer ledger.Close()
	}

	ctx := context.Background()
	startTime := time.Now()
	var result string
	var err error

	if *aggregateRun != "" {
		result, err = aggregateRecorded(ctx, ledger, *aggregateRun, *output, *overwrite)
	} else {
		result, err = stitch(ctx, *configPath, *output, *overwrite, aggregation.DispatchOptions{
			Chunks:  *chunks,
			Workers: *workers,
			Ledger:  ledger,
		})
	}
	if err != nil {
		reportFailure(err)
		os.Exit(1)
	}

	fmt.Printf("\nStitching completed successfully in %.2f seconds!\n", time.Since(startTime).Seconds())
	fmt.Printf("Output saved to: %s\n", result)
	if n := monitoring.Warnings(); n > 0 {
		fmt.Printf("%d warning(s) were raised, see the log above\n", n)
	}
	if path, err := stitching.ProvenancePath(result); err == nil {
		fmt.Printf("Provenance record: %s\n", path)
	}

	if *extractSlices {
		if err := extract(result, *slicesDir); err != nil {
			log.Printf("Warning: Failed to extract slices: %v", err)
		}
	}
}

func stitch(ctx context.Context, configPath, output string, overwrite bool, opts aggregation.DispatchOptions) (string, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return "", err
	}
	if output != "" {
		cfg.Output.Identifier = output
	}
	cfg.Output.Overwrite = cfg.Output.Overwrite || overwrite

	fmt.Println("================================")
	fmt.Printf("%s: %s stitching of %d items\n", version.Program, cfg.Type, len(cfg.Inputs))
	fmt.Println("================================")

	if opts.Chunks <= 1 && opts.Ledger == nil {
		return stitching.Stitch(cfg)
	}
	return aggregation.Run(ctx, cfg, opts)
}

func aggregateRecorded(ctx context.Context, ledger *aggregation.Ledger, runID, output string, overwrite bool) (string, error) {
	if ledger == nil {
		return "", errors.New("-aggregate requires -ledger")
	}
	agg, err := ledger.Aggregator(ctx, runID)
	if err != nil {
		return "", err
	}
	if output != "" {
		agg.Output = output
	}
	agg.Overwrite = overwrite
	return agg.Process(ctx)
}

func extract(identifier, dir string) error {
	format, _, err := tomo.ParseIdentifier(identifier)
	if err != nil {
		return err
	}
	if format == tomo.FormatScan {
		return errors.New("slices can only be extracted from volumes")
	}
	vol, err := tomo.OpenVolume(identifier)
	if err != nil {
		return err
	}
	defer vol.Close()
	files, err := tomo.SaveMiddlePreviews(vol, dir)
	if err != nil {
		return err
	}
	fmt.Println("\nExtracted slices:")
	for _, f := range files {
		fmt.Printf("- %s\n", f)
	}
	return nil
}

func reportFailure(err error) {
	var failure *stitcherr.AggregationFailure
	if errors.As(err, &failure) {
		fmt.Fprintln(os.Stderr, "Aggregation failed, sub-jobs that did not complete:")
		for _, u := range failure.Failed {
			fmt.Fprintf(os.Stderr, "- %s\n", u)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "Stitching failed: %v\n", err)
}
