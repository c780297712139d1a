package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"cryobackproject/internal/logger"
	"cryobackproject/internal/models"
	"cryobackproject/pkg/backprojection"
	"cryobackproject/pkg/config"
	"cryobackproject/pkg/ctf"
	"cryobackproject/pkg/dataset"
	"cryobackproject/pkg/fft"
	"cryobackproject/pkg/lattice"
	"cryobackproject/pkg/mrc"
	"cryobackproject/pkg/pose"
	"cryobackproject/pkg/slicing"
	"cryobackproject/pkg/visualization"
)

const component = "reconstruction"

var (
	// ErrConfig reports inconsistent or missing run parameters
	ErrConfig = errors.New("invalid configuration")

	// ErrShape reports input tables whose sizes do not match the particle stack
	ErrShape = errors.New("shape mismatch")
)

// Params holds the inputs and outputs of one reconstruction run.
// Tunables that also live in the YAML configuration are taken from Config.
type Params struct {
	// Particles is the particle stack: .mrcs/.mrc, or a .txt list of stacks
	Particles string

	// Poses is the YAML pose table (rotations, optional translations)
	Poses string

	// Output is the path of the reconstructed .mrc volume
	Output string

	// CTF is the optional YAML CTF parameter table
	CTF string

	// Ind is an optional YAML list of stack indices to back-project
	Ind string

	// Tilt is an optional second stack of the same particles recorded at a
	// fixed x-axis tilt of Config.Tilt.TiltDeg
	Tilt string

	// DoTiltSeries enables dose and tilt weighting from TiltMeta
	DoTiltSeries bool

	// TiltMeta is the YAML tilt-series metadata (particle groups, scale factors)
	TiltMeta string

	// Config carries the processing, data, tilt and output settings.
	// A nil Config uses config.DefaultConfig().
	Config *config.Config
}

// Reconstructor back-projects a particle stack with known poses into a 3D
// density map.
//
// The reconstruction process consists of several steps:
// 1. Loading the images, poses, CTF parameters and tilt metadata
// 2. Correcting every image in the Hartley domain (translation, CTF sign, dose)
// 3. Splatting the corrected slices into per-worker Fourier volumes in parallel
// 4. Merging and normalizing the volumes by their accumulated weights
// 5. Transforming back to real space and writing the map and previews
type Reconstructor struct {
	// params stores the run configuration
	params *Params

	// log receives progress and summary messages
	log *logger.Logger

	// volume is the real-space result, available after Process
	volume *models.Volume

	// stats summarizes volume
	stats models.Stats
}

// run holds everything loaded for one Process call
type run struct {
	data   *dataset.ImageDataset
	tilt   *dataset.ImageDataset
	poses  *pose.Tracker
	ctf    *ctf.Table
	series *dataset.TiltSeries
	apix   float64
}

// NewReconstructor creates a new reconstructor instance with the provided parameters.
//
// Parameters:
//   - params: Inputs, outputs and settings of the run
//   - log: Destination for progress messages; nil discards them
//
// Returns:
//   - A new Reconstructor ready for Process
func NewReconstructor(params *Params, log *logger.Logger) *Reconstructor {
	if log == nil {
		log = logger.Nop()
	}
	if params.Config == nil {
		params.Config = config.DefaultConfig()
	}
	return &Reconstructor{params: params, log: log}
}

// validate checks the parameters before anything is read from disk
func (r *Reconstructor) validate() error {
	p := r.params

	if p.Particles == "" {
		return fmt.Errorf("%w: no particle stack given", ErrConfig)
	}
	if p.Poses == "" {
		return fmt.Errorf("%w: a pose file is required", ErrConfig)
	}
	if !strings.HasSuffix(strings.ToLower(p.Output), ".mrc") {
		return fmt.Errorf("%w: output %q must be an .mrc file", ErrConfig, p.Output)
	}
	if p.Tilt != "" && p.DoTiltSeries {
		return fmt.Errorf("%w: a paired tilt stack and tilt-series weighting are mutually exclusive", ErrConfig)
	}
	if p.DoTiltSeries && p.TiltMeta == "" {
		return fmt.Errorf("%w: tilt-series weighting needs tilt metadata", ErrConfig)
	}
	if p.DoTiltSeries && p.CTF == "" {
		return fmt.Errorf("%w: tilt-series weighting needs CTF parameters", ErrConfig)
	}
	if err := p.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}

// Process runs the complete reconstruction pipeline and writes the output map.
// Cancelling ctx stops the run between images.
func (r *Reconstructor) Process(ctx context.Context) error {
	if err := r.validate(); err != nil {
		return err
	}
	cfg := r.params.Config
	start := time.Now()

	// Step 1: Load inputs
	in, err := r.load()
	if err != nil {
		return err
	}
	defer in.data.Close()
	if in.tilt != nil {
		defer in.tilt.Close()
	}

	// Step 2: Lattice and band-limiting mask
	d := in.data.D()
	lat, err := lattice.New(d)
	if err != nil {
		return err
	}
	mask, err := lat.CircularMask(d / 2)
	if err != nil {
		return err
	}
	geom, err := slicing.NewGeometry(lat, mask)
	if err != nil {
		return err
	}

	n := in.data.Len()
	if cfg.Processing.First > 0 && cfg.Processing.First < n {
		n = cfg.Processing.First
	}
	r.log.Info(component, "Back-projecting images", map[string]interface{}{
		"images":  n,
		"box":     in.data.BoxSize(),
		"workers": cfg.Processing.Workers,
		"masked":  geom.Len(),
	})

	// Step 3: Back-project in parallel
	splatStart := time.Now()
	acc, err := backprojection.Run(ctx, d, n, cfg.Processing.Workers, r.splatter(in, geom), r.progress(splatStart))
	if err != nil {
		return fmt.Errorf("back-projection failed: %w", err)
	}
	elapsed := time.Since(splatStart).Seconds()
	fields := map[string]interface{}{"images": n, "seconds": elapsed}
	if elapsed > 0 {
		fields["images_per_second"] = float64(n) / elapsed
	}
	r.log.Info(component, "Back-projection finished", fields)

	// Step 4: Normalize and return to real space
	coverage := acc.Coverage()
	box := in.data.BoxSize()
	vol, err := fft.IHTNCenter(backprojection.Crop(acc.Normalize(), d), box)
	if err != nil {
		return err
	}

	r.volume = &models.Volume{Data: vol, D: box, VoxelSize: in.apix}
	r.stats = computeStats(vol, coverage)
	r.log.Info(component, "Volume statistics", map[string]interface{}{
		"min":      r.stats.Min,
		"max":      r.stats.Max,
		"mean":     r.stats.Mean,
		"rms":      r.stats.RMS,
		"coverage": r.stats.Coverage,
	})

	// Step 5: Write the map and previews
	if err := r.write(); err != nil {
		return err
	}
	r.savePreviews()

	r.log.Info(component, "Reconstruction complete", map[string]interface{}{
		"output":  r.params.Output,
		"seconds": time.Since(start).Seconds(),
	})
	return nil
}

// load reads the particle stack and every table that goes with it, checking
// that all of them describe the same images.
func (r *Reconstructor) load() (*run, error) {
	p := r.params
	cfg := p.Config

	var ind []int
	if p.Ind != "" {
		var err error
		if ind, err = dataset.LoadIndex(p.Ind); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}

	opts := dataset.Options{
		InvertData: cfg.Data.InvertData,
		Norm:       cfg.Data.Norm,
		Datadir:    cfg.Data.Datadir,
		Ind:        ind,
		Lazy:       cfg.Processing.Lazy,
	}
	data, err := dataset.Load(p.Particles, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load particles: %w", err)
	}
	in := &run{data: data, apix: 1}
	r.log.Info(component, "Loaded particles", map[string]interface{}{
		"path":        p.Particles,
		"images":      data.Len(),
		"total":       data.Total(),
		"box":         data.BoxSize(),
		"lazy":        cfg.Processing.Lazy,
		"norm":        data.Norm(),
		"header_apix": data.Apix(),
	})

	fail := func(err error) (*run, error) {
		data.Close()
		if in.tilt != nil {
			in.tilt.Close()
		}
		return nil, err
	}

	if in.poses, err = pose.Load(p.Poses, data.Total(), data.BoxSize(), ind); err != nil {
		return fail(classify(err, pose.ErrCount))
	}

	if p.CTF != "" {
		table, err := ctf.LoadTable(p.CTF, data.BoxSize())
		if err != nil {
			return fail(classify(err, ctf.ErrBoxSize))
		}
		if table.Len() != data.Total() {
			return fail(fmt.Errorf("%w: %d ctf rows for %d particles", ErrShape, table.Len(), data.Total()))
		}
		if in.ctf, err = table.Subset(ind); err != nil {
			return fail(err)
		}
		in.apix = in.ctf.Rows[0].Apix
	}

	if p.DoTiltSeries {
		series, err := dataset.LoadTiltSeries(p.TiltMeta, data.Total(), ind,
			cfg.Tilt.DosePerTilt, cfg.Tilt.AnglePerTilt, cfg.Tilt.Voltage)
		if err != nil {
			return fail(classify(err, dataset.ErrTiltCount))
		}
		for i := range in.ctf.Rows {
			in.ctf.Rows[i].ScaleFactor = series.ScaleFactors[i]
		}
		in.series = series
		r.log.Info(component, "Loaded tilt series", map[string]interface{}{
			"dose_per_tilt":  series.DosePerTilt,
			"angle_per_tilt": cfg.Tilt.AnglePerTilt,
			"voltage":        series.Voltage,
		})
	}

	if p.Tilt != "" {
		if in.tilt, err = dataset.Load(p.Tilt, opts); err != nil {
			return fail(fmt.Errorf("failed to load tilt stack: %w", err))
		}
		if in.tilt.Total() != data.Total() || in.tilt.BoxSize() != data.BoxSize() {
			return fail(fmt.Errorf("%w: tilt stack has %d images of %d px, particles have %d of %d px",
				ErrShape, in.tilt.Total(), in.tilt.BoxSize(), data.Total(), data.BoxSize()))
		}
		r.log.Info(component, "Loaded tilt pairs", map[string]interface{}{
			"path":     p.Tilt,
			"tilt_deg": cfg.Tilt.TiltDeg,
		})
	}

	return in, nil
}

// classify tags an input error as ErrShape when it is one of the given size
// mismatches and as ErrConfig otherwise (unreadable, malformed or invalid file).
func classify(err error, mismatches ...error) error {
	for _, m := range mismatches {
		if errors.Is(err, m) {
			return fmt.Errorf("%w: %w", ErrShape, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrConfig, err)
}

// splatter returns the per-image work: transform image i with its own pose,
// CTF and dose, and add it (and its tilt partner) to acc.
func (r *Reconstructor) splatter(in *run, geom *slicing.Geometry) backprojection.SplatFunc {
	var tiltRot *mat.Dense
	if in.tilt != nil {
		tiltRot = pose.XRot(r.params.Config.Tilt.TiltDeg)
	}

	return func(acc *backprojection.Accumulator, i int) error {
		img, err := in.data.Get(i)
		if err != nil {
			return err
		}
		p := in.poses.Get(i)

		c := slicing.Corrections{Translation: p.Translation}
		if in.ctf != nil {
			row := in.ctf.Rows[i]
			c.CTF = &row
		}
		if in.series != nil {
			c.Dose = &slicing.Dose{
				Cumulative: in.series.Dose(i),
				TiltAngle:  in.series.TiltAngles[i],
				Apix:       in.ctf.Rows[i].Apix,
				Voltage:    in.series.Voltage,
			}
		}

		ff, coords, err := geom.Transform(img.Data, c, p.Rotation)
		if err != nil {
			return err
		}
		if err := acc.AddSlice(coords, ff); err != nil {
			return err
		}

		if in.tilt == nil {
			return nil
		}
		timg, err := in.tilt.Get(i)
		if err != nil {
			return err
		}
		ff, coords, err = geom.Transform(timg.Data, c, tiltRot, p.Rotation)
		if err != nil {
			return err
		}
		return acc.AddSlice(coords, ff)
	}
}

// progress logs every LogInterval images
func (r *Reconstructor) progress(start time.Time) backprojection.ProgressFunc {
	interval := r.params.Config.Processing.LogInterval
	return func(done, total int) {
		if interval <= 0 || done%interval != 0 {
			return
		}
		r.log.Info(component, fmt.Sprintf("image %d", done), map[string]interface{}{
			"total":   total,
			"elapsed": time.Since(start).Seconds(),
		})
	}
}

// computeStats summarizes the real-space density
func computeStats(vol []float64, coverage float64) models.Stats {
	mean, std := stat.MeanStdDev(vol, nil)
	return models.Stats{
		Min:      floats.Min(vol),
		Max:      floats.Max(vol),
		Mean:     mean,
		RMS:      std,
		Coverage: coverage,
	}
}

// write stores the volume as a float32 MRC map tagged with the pixel size
func (r *Reconstructor) write() error {
	v := r.volume
	h := mrc.NewHeader(v.D, v.D, v.D, v.VoxelSize, true)
	h.SetStats(r.stats.Min, r.stats.Max, r.stats.Mean, r.stats.RMS)

	data := make([]float32, len(v.Data))
	for i, x := range v.Data {
		data[i] = float32(x)
	}
	if err := mrc.Write(r.params.Output, h, data); err != nil {
		return fmt.Errorf("failed to write volume: %w", err)
	}
	return nil
}

// savePreviews writes central sections when a preview directory is configured.
// Failures are logged and do not fail the run.
func (r *Reconstructor) savePreviews() {
	out := r.params.Config.Output
	if out.PreviewDir == "" {
		return
	}

	files, err := visualization.NewViewer(r.volume).SaveCentralSlices(out.PreviewDir, out.PreviewFormat)
	if err != nil {
		r.log.Error(component, err, map[string]interface{}{
			"dir":   out.PreviewDir,
			"stage": "previews",
		})
		return
	}
	for _, f := range files {
		r.log.Debug(component, "Saved preview", map[string]interface{}{"file": filepath.Base(f)})
	}
}

// GetVolumeData returns the reconstructed density and its dimensions (x, y, z)
func (r *Reconstructor) GetVolumeData() ([]float64, int, int, int) {
	if r.volume == nil {
		return nil, 0, 0, 0
	}
	d := r.volume.D
	return r.volume.Data, d, d, d
}

// GetVolume returns the reconstructed volume, nil before Process succeeds
func (r *Reconstructor) GetVolume() *models.Volume {
	return r.volume
}

// GetStats returns the density statistics of the last run
func (r *Reconstructor) GetStats() models.Stats {
	return r.stats
}
