// Package main provides the entry point for x86core.
// x86core runs a guest image on the tiered x86 core.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/pprof"
	"time"

	"github.com/go-logr/logr"

	"github.com/sarchlab/x86core/config"
	"github.com/sarchlab/x86core/loader"
)

var (
	configPath  = flag.String("config", "", "Path to machine configuration (JSON or YAML)")
	resetMode   = flag.String("mode", "", "CPU mode at reset: real, protected or long (overrides config)")
	maxBlocks   = flag.Uint64("max-blocks", 0, "Maximum blocks to dispatch (0 = config value)")
	profilePath = flag.String("profile", "", "Hot-block profile database (overrides config)")
	dumpConfig  = flag.String("dump-config", "", "Write the effective configuration to this path")
	cpuProfile  = flag.String("cpuprofile", "", "Write a CPU profile to file")
	memProfile  = flag.String("memprofile", "", "Write a heap profile to file")
	verbosity   = flag.Int("v", 0, "Log verbosity (0 = lifecycle, 1 = tiering events)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: x86core [options] <image>\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	log := logr.FromSlogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(-*verbosity),
	}))

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *dumpConfig != "" {
		if err := cfg.Save(*dumpConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			os.Exit(1)
		}
	}

	imagePath := flag.Arg(0)
	img, err := loader.Load(imagePath, cfg.LoadAddress)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading image: %v\n", err)
		os.Exit(1)
	}
	log.Info("image loaded",
		"path", imagePath,
		"kind", img.Kind.String(),
		"entry", img.EntryPoint,
		"segments", len(img.Segments))

	m, err := newMachine(cfg, img, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = f.Close() }()

		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	start := time.Now()
	res, err := m.runWithProfile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating memory profile: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = f.Close() }()

		if err := pprof.WriteHeapProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing memory profile: %v\n", err)
		}
	}

	fmt.Printf("Image: %s\n", imagePath)
	m.printSummary(os.Stdout, res)

	fmt.Printf("\nElapsed time: %v\n", elapsed)
	if n := m.core.InstructionCount(); n > 0 {
		fmt.Printf("Instructions/second: %.0f\n", float64(n)/elapsed.Seconds())
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	}

	if *resetMode != "" {
		cfg.Mode = *resetMode
	}
	if *maxBlocks != 0 {
		cfg.MaxBlocks = *maxBlocks
	}
	if *profilePath != "" {
		cfg.ProfilePath = *profilePath
	}

	return cfg, cfg.Validate()
}
