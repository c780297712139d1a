package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"cryobackproject/internal/logger"
	"cryobackproject/pkg/config"
	"cryobackproject/pkg/reconstruction"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s PARTICLES --poses POSES.yaml -o OUT.mrc [flags]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Back-project a particle stack with known poses into a 3D density map.")
	fmt.Fprintln(os.Stderr, "PARTICLES is an .mrcs/.mrc stack or a .txt list of stacks.")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}

func main() {
	// Parse command line arguments
	poses := flag.String("poses", "", "Pose table (YAML)")
	output := flag.String("o", "", "Output volume (.mrc)")
	ctfFile := flag.String("ctf", "", "CTF parameter table (YAML)")
	ind := flag.String("ind", "", "Index list selecting a subset of particles (YAML)")
	first := flag.Int("first", 10000, "Back-project only the first N images, 0 for all")
	lazy := flag.Bool("lazy", false, "Read images on demand instead of preloading the stack")
	datadir := flag.String("datadir", "", "Path prefix for stacks listed in a .txt particle file")
	uninvert := flag.Bool("uninvert-data", false, "Do not invert data sign")
	tilt := flag.String("tilt", "", "Tilt series partner stack")
	tiltDeg := flag.Float64("tilt-deg", 45, "X-axis tilt offset in degrees for --tilt")
	doTiltSeries := flag.Bool("do-tilt-series", false, "Apply dose and tilt weighting to a tilt series")
	tiltMeta := flag.String("tilt-meta", "", "Tilt series metadata (YAML)")
	dosePerTilt := flag.Float64("dose-per-tilt", 2.93, "Expected dose per tilt in electrons/A^2")
	anglePerTilt := flag.Float64("angle-per-tilt", 3, "Tilt angle increment per tilt in degrees")
	voltage := flag.Float64("voltage", 300, "Microscope voltage in kV for the critical exposure curve")
	workers := flag.Int("workers", 0, "Number of back-projection workers (default: all CPUs)")
	configPath := flag.String("config", "", "YAML configuration file")
	initConfig := flag.String("init-config", "", "Write a default configuration file to this path and exit")
	previewDir := flag.String("preview-dir", "", "Directory for central slice previews of the output")
	previewFormat := flag.String("preview-format", "png", "Preview image format: png, jpg or tiff")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Usage = usage

	// Flags may follow the positional particle file.
	flag.Parse()
	var particles string
	if args := flag.Args(); len(args) > 0 {
		particles = args[0]
		if err := flag.CommandLine.Parse(args[1:]); err != nil {
			os.Exit(2)
		}
		if flag.NArg() > 0 {
			fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flag.Args())
			os.Exit(2)
		}
	}

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	// Flags given explicitly take precedence over the configuration file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "first":
			cfg.Processing.First = *first
		case "lazy":
			cfg.Processing.Lazy = *lazy
		case "workers":
			cfg.Processing.Workers = *workers
		case "datadir":
			cfg.Data.Datadir = *datadir
		case "uninvert-data":
			cfg.Data.InvertData = !*uninvert
		case "tilt-deg":
			cfg.Tilt.TiltDeg = *tiltDeg
		case "dose-per-tilt":
			cfg.Tilt.DosePerTilt = *dosePerTilt
		case "angle-per-tilt":
			cfg.Tilt.AnglePerTilt = *anglePerTilt
		case "voltage":
			cfg.Tilt.Voltage = *voltage
		case "preview-dir":
			cfg.Output.PreviewDir = *previewDir
		case "preview-format":
			cfg.Output.PreviewFormat = *previewFormat
		case "log-level":
			cfg.Output.LogLevel = *logLevel
		}
	})

	log := logger.NewConsole(logger.ParseLevel(cfg.Output.LogLevel))

	if particles == "" || *poses == "" || *output == "" {
		flag.Usage()
		os.Exit(1)
	}

	params := &reconstruction.Params{
		Particles:    particles,
		Poses:        *poses,
		Output:       *output,
		CTF:          *ctfFile,
		Ind:          *ind,
		Tilt:         *tilt,
		DoTiltSeries: *doTiltSeries,
		TiltMeta:     *tiltMeta,
		Config:       cfg,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Info("main", "Starting reconstruction", map[string]interface{}{
		"particles": particles,
		"poses":     *poses,
		"output":    *output,
		"workers":   cfg.Processing.Workers,
	})
	startTime := time.Now()

	reconstructor := reconstruction.NewReconstructor(params, log)
	if err := reconstructor.Process(ctx); err != nil {
		log.Fatal("main", err)
	}

	stats := reconstructor.GetStats()
	log.Info("main", "Finished", map[string]interface{}{
		"seconds":  time.Since(startTime).Seconds(),
		"mean":     stats.Mean,
		"rms":      stats.RMS,
		"coverage": stats.Coverage,
	})
}
