// Command occant builds an occupancy anticipation model from a YAML
// configuration and runs it on a synthetic observation batch, reporting the
// output shapes and value ranges. It can also load and save model weights.
package main

import (
	"errors"
	"fmt"
	"math/rand"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gonum.org/v1/gonum/floats"

	"github.com/occant/occant/anticipator"
	"github.com/occant/occant/checkpoint"
	"github.com/occant/occant/config"
	"github.com/occant/occant/nnet"
	"github.com/occant/occant/predict"
	"github.com/occant/occant/scale"
	"github.com/occant/occant/tensor"
)

var (
	configPath = flag.String("config", "", "YAML configuration file (defaults are used when empty)")
	modelType  = flag.String("type", "", "Override the model type tag")
	batch      = flag.Int("batch", 1, "Batch size of the synthetic observations")
	batches    = flag.Int("batches", 1, "Number of synthetic batches, run in parallel")
	size       = flag.Int("size", anticipator.OutputSize, "Side of the rgb, depth and map observations")
	largeSize  = flag.Int("large-size", anticipator.OutputSize, "Side of the rgb_large observation")
	rgbNorm    = flag.String("rgb-norm", "imagenet", "RGB normalization: imagenet, batch (statistics of the first batch) or none")
	maxDepth   = flag.Float64("max-depth", 10, "Range of the synthetic depth readings in meters")
	weights    = flag.String("weights", "", "Checkpoint whose model_state_dict is loaded before the forward pass")
	save       = flag.String("checkpoint", "", "Write the model_state_dict to this path after the forward pass")
	verbosity  = flag.Int("v", 0, "Log verbosity")
)

func main() {
	flag.Parse()

	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(zapcore.Level(-*verbosity))
	zl, err := zc.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer zl.Sync()
	log := zapr.NewLogger(zl)

	if err := run(log); err != nil {
		log.Error(err, "occant failed")
		os.Exit(1)
	}
}

func run(log logr.Logger) error {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *modelType != "" {
		cfg.Type = *modelType
	}

	a, err := anticipator.New(cfg, anticipator.WithLogger(log))
	if err != nil {
		return err
	}
	if *weights != "" {
		f, err := checkpoint.Load(*weights)
		if err != nil {
			return err
		}
		sd, err := f.Get(checkpoint.ModelKey)
		if err != nil {
			return err
		}
		if err := nnet.LoadState(a, sd); err != nil {
			return fmt.Errorf("load %s: %w", *weights, err)
		}
		log.Info("loaded weights", "path", *weights)
	}

	if *maxDepth <= 0 {
		return fmt.Errorf("max-depth must be positive, got %v", *maxDepth)
	}
	norm, err := scale.ByName(*rgbNorm)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(cfg.GPAnticipation.Seed))
	xs := make([]anticipator.Observations, *batches)
	for i := range xs {
		var err error
		if xs[i], err = synthetic(rng, *batch, *size, *largeSize, norm, *maxDepth); err != nil {
			return err
		}
	}
	log.V(1).Info("rgb normalization", "scaler", *rgbNorm, "channels", norm.Dimensions())
	outs, err := predict.BatchPredict(a, xs, 1)
	if err != nil {
		return err
	}
	for i, out := range outs {
		for _, key := range []string{anticipator.KeyOccEstimate, anticipator.KeyDepthProjEstimate} {
			t, ok := out[key]
			if !ok {
				continue
			}
			log.Info("output", "batch", i, "key", key, "shape", t.Shape(),
				"min", floats.Min(t.Data), "max", floats.Max(t.Data))
		}
	}

	if *save != "" {
		if err := checkpoint.Save(*save, checkpoint.File{checkpoint.ModelKey: nnet.State(a)}); err != nil {
			return err
		}
		log.Info("saved checkpoint", "path", *save)
	}
	return nil
}

// synthetic returns a random observation batch. RGB frames are normalized
// by norm, setting its scale from the batch first if needed. Depth readings
// in [0, maxDepth] are mapped onto [0, 1] and repeated to three channels.
func synthetic(rng *rand.Rand, n, side, large int, norm scale.Scaler, maxDepth float64) (anticipator.Observations, error) {
	depth := tensor.Uniform(rng, 0, maxDepth, n, 1, side, side)
	if err := scale.DepthRange(maxDepth).Scale(depth); err != nil {
		return nil, err
	}
	depth, err := scale.RepeatDepth(depth)
	if err != nil {
		return nil, err
	}
	x := anticipator.Observations{
		anticipator.KeyRGB:                 tensor.Uniform(rng, 0, 1, n, 3, side, side),
		anticipator.KeyRGBLarge:            tensor.Uniform(rng, 0, 1, n, 3, large, large),
		anticipator.KeyDepth:               depth,
		anticipator.KeyEgoMapGT:            tensor.Uniform(rng, 0, 1, n, 2, side, side),
		anticipator.KeyEgoMapGTAnticipated: tensor.Uniform(rng, 0, 1, n, 2, side, side),
	}
	if !norm.IsScaled() {
		if err := norm.SetScale(x[anticipator.KeyRGB]); err != nil {
			var unif *scale.UniformDimension
			if !errors.As(err, &unif) {
				return nil, err
			}
		}
	}
	for _, key := range []string{anticipator.KeyRGB, anticipator.KeyRGBLarge} {
		if err := norm.Scale(x[key]); err != nil {
			return nil, err
		}
	}
	return x, nil
}
