package anticipator

import (
	"bytes"
	"encoding/gob"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/go-logr/zapr"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gonum.org/v1/gonum/floats"

	"github.com/occant/occant/checkpoint"
	"github.com/occant/occant/common"
	"github.com/occant/occant/config"
	"github.com/occant/occant/loss"
	"github.com/occant/occant/nnet"
	"github.com/occant/occant/regularize"
	"github.com/occant/occant/tensor"
	"github.com/occant/occant/train"
)

// smallConfig keeps the models cheap enough to build in unit tests.
func smallConfig(tag string) config.Config {
	cfg := config.Default()
	cfg.Type = tag
	cfg.GPAnticipation.UNetNSF = 2
	cfg.GPAnticipation.ResNetType = "resnet18"
	cfg.CrossView.DModel = 8
	cfg.CrossView.BEVSize = 32
	return cfg
}

func observations(rng *rand.Rand, n, size int) Observations {
	return Observations{
		KeyRGB:                 tensor.Uniform(rng, 0, 1, n, 3, size, size),
		KeyRGBLarge:            tensor.Uniform(rng, 0, 1, n, 3, size, size),
		KeyDepth:               tensor.Uniform(rng, 0, 1, n, 3, size, size),
		KeyEgoMapGT:            tensor.Uniform(rng, 0, 1, n, 2, size, size),
		KeyEgoMapGTAnticipated: tensor.Uniform(rng, 0, 1, n, 2, size, size),
	}
}

func TestNewAllTags(t *testing.T) {
	gp := map[string]bool{
		"occant_rgb":       true,
		"occant_rgb_large": true,
		"occant_depth":     true,
		"occant_rgbd":      true,
	}
	tags := Tags()
	sort.Strings(tags)
	require.Len(t, tags, 8)
	log := zapr.NewLogger(zaptest.NewLogger(t))
	for _, tag := range tags {
		a, err := New(smallConfig(tag), WithLogger(log))
		require.NoError(t, err, tag)
		require.Equal(t, tag, a.ModelType())
		require.Equal(t, gp[tag], a.UsesGPAnticipation(), tag)
	}
}

func TestNewInvalid(t *testing.T) {
	for _, cfg := range []config.Config{
		smallConfig("occant_lidar"),
		smallConfig(""),
		func() config.Config {
			c := smallConfig("occant_depth")
			c.GPAnticipation.OutputNormalization.Channel1 = "tanh"
			return c
		}(),
		func() config.Config {
			c := smallConfig("occant_rgb")
			c.GPAnticipation.ResNetType = "resnet34"
			return c
		}(),
	} {
		_, err := New(cfg)
		require.ErrorIs(t, err, common.ErrInvalidConfiguration, cfg.Type)
	}
}

func TestRGBKeyRouting(t *testing.T) {
	for _, test := range []struct {
		tag, override, want string
	}{
		{"ans_rgb", "", KeyRGB},
		{"ans_rgb", KeyRGBLarge, KeyRGBLarge},
		{"occant_rgb", "", KeyRGB},
		{"occant_rgb_large", "", KeyRGBLarge},
		{"occant_rgb_large", KeyRGB, KeyRGBLarge},
		{"cross-view", "", KeyRGBLarge},
	} {
		cfg := smallConfig(test.tag)
		cfg.RGBKey = test.override
		s, err := resolve(cfg)
		require.NoError(t, err)
		require.Equal(t, test.want, s.rgbKey, test.tag)
		require.Equal(t, test.override, cfg.RGBKey)
	}
}

func TestPassthroughIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := observations(rng, 1, 8)

	out, err := ANSDepth{}.Anticipate(x)
	require.NoError(t, err)
	require.Same(t, x[KeyEgoMapGT], out[KeyOccEstimate])

	out, err = OccAntGroundTruth{}.Anticipate(x)
	require.NoError(t, err)
	require.Same(t, x[KeyEgoMapGTAnticipated], out[KeyOccEstimate])

	_, err = OccAntGroundTruth{}.Anticipate(Observations{})
	require.ErrorIs(t, err, common.ErrMissingInputKey)
}

func TestForwardPostProcess(t *testing.T) {
	a, err := New(smallConfig("ans_depth"))
	require.NoError(t, err)
	gt := tensor.Zeros(2, 2, 32, 32)
	extra := tensor.Zeros(2, 1, 4, 4)
	out, err := a.Forward(Observations{KeyEgoMapGT: gt, "extra": extra})
	require.NoError(t, err)
	occ := out[KeyOccEstimate]
	require.Equal(t, []int{2, 2, OutputSize, OutputSize}, occ.Shape())
	want := tensor.Full(0.5, occ.Shape()...)
	if !floats.EqualApprox(occ.Data, want.Data, 1e-12) {
		t.Errorf("sigmoid of a zero map should be 0.5 everywhere")
	}
	require.Len(t, out, 1)

	_, err = a.Forward(Observations{})
	require.ErrorIs(t, err, common.ErrMissingInputKey)
}

func TestForwardShapes(t *testing.T) {
	if testing.Short() {
		t.Skip("full resolution forward passes")
	}
	rng := rand.New(rand.NewSource(2))
	x := observations(rng, 2, OutputSize)
	for _, tag := range []string{"ans_rgb", "ans_depth", "occant_rgb", "occant_depth", "occant_rgbd", "occant_ground_truth"} {
		a, err := New(smallConfig(tag))
		require.NoError(t, err, tag)
		out, err := a.Forward(x)
		require.NoError(t, err, tag)
		occ := out[KeyOccEstimate]
		require.Equal(t, []int{2, 2, OutputSize, OutputSize}, occ.Shape(), tag)
		for _, v := range occ.Data {
			require.True(t, v > 0 && v < 1, "%s: %v", tag, v)
		}
		if tag == "occant_rgb" {
			require.Equal(t, []int{2, 2, OutputSize, OutputSize}, out[KeyDepthProjEstimate].Shape())
		}
	}
}

func TestOccAntRGBSmall(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	a, err := New(smallConfig("occant_rgb"))
	require.NoError(t, err)
	out, err := a.Variant().Anticipate(observations(rng, 2, 32))
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 32, 32}, out[KeyOccEstimate].Shape())
	require.Equal(t, []int{2, 2, 32, 32}, out[KeyDepthProjEstimate].Shape())

	sd := nnet.State(a)
	for _, key := range []string{
		"main.gp_rgb_encoder.conv1.weight",
		"main.gp_rgb_projector.projection.0.weight",
		"main.gp_rgb_unet.inc.conv.conv.0.weight",
		"main.gp_depth_proj_encoder.down4.mpconv.1.conv.0.weight",
		"main.gp_merge_x5.merge.0.weight",
		"main.gp_merge_x4.merge.0.weight",
		"main.gp_merge_x3.merge.0.weight",
		"main.gp_decoder.outc.conv.weight",
		"main.gp_depth_proj_estimator.main.0.weight",
	} {
		require.Contains(t, sd, key)
	}
}

func TestOccAntRGBDReadsGroundTruth(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	a, err := New(smallConfig("occant_rgbd"))
	require.NoError(t, err)
	x := observations(rng, 1, 32)
	out, err := a.Variant().Anticipate(x)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 32, 32}, out[KeyOccEstimate].Shape())
	require.NotContains(t, out, KeyDepthProjEstimate)

	delete(x, KeyEgoMapGT)
	_, err = a.Variant().Anticipate(x)
	require.ErrorIs(t, err, common.ErrMissingInputKey)
}

func TestFreeze(t *testing.T) {
	cfg := smallConfig("occant_rgb")
	cfg.GPAnticipation.FreezeFeatures = true
	cfg.GPAnticipation.FreezeDepthProjModel = true
	a, err := New(cfg)
	require.NoError(t, err)
	for _, p := range a.Parameters() {
		if p.Buffer {
			require.False(t, p.Value.RequiresGrad(), p.Name)
			continue
		}
		frozen := strings.HasPrefix(p.Name, "main.gp_rgb_encoder.") ||
			strings.HasPrefix(p.Name, "main.gp_depth_proj_estimator.")
		require.Equal(t, !frozen, p.Value.RequiresGrad(), p.Name)
	}
	total, trainable := nnet.Count(a.Parameters())
	require.Less(t, trainable, total)
}

func TestFreezeFeaturesRGBD(t *testing.T) {
	cfg := smallConfig("occant_rgbd")
	cfg.GPAnticipation.FreezeFeatures = true
	a, err := New(cfg)
	require.NoError(t, err)
	for _, p := range a.Parameters() {
		if p.Buffer {
			continue
		}
		frozen := strings.HasPrefix(p.Name, "main.gp_rgb_encoder.")
		require.Equal(t, !frozen, p.Value.RequiresGrad(), p.Name)
	}
}

// estimatorGrad backpropagates the summed occupancy estimate, plus the summed
// depth projection estimate when withDepthProj is set, and returns the
// gradients of the first estimator and last decoder weights.
func estimatorGrad(t *testing.T, detach, withDepthProj bool) (est, decoder []float64) {
	t.Helper()
	cfg := smallConfig("occant_rgb")
	cfg.GPAnticipation.DetachDepthProj = detach
	a, err := New(cfg)
	require.NoError(t, err)
	v := a.Variant().(*OccAntRGB)
	out, err := v.Anticipate(observations(rand.New(rand.NewSource(5)), 2, 32))
	require.NoError(t, err)
	root := tensor.Sum(out[KeyOccEstimate])
	if withDepthProj {
		root, err = tensor.Add(root, tensor.Sum(out[KeyDepthProjEstimate]))
		require.NoError(t, err)
	}
	require.NoError(t, tensor.Backward(root))
	sd := nnet.State(a)
	return sd["main.gp_depth_proj_estimator.main.0.weight"].Grad, sd["main.gp_decoder.outc.conv.weight"].Grad
}

func TestDetachDepthProj(t *testing.T) {
	for _, test := range []struct {
		detach, withDepthProj bool
		estGrad               bool
	}{
		{detach: true, withDepthProj: false, estGrad: false},
		{detach: true, withDepthProj: true, estGrad: true},
		{detach: false, withDepthProj: false, estGrad: true},
		{detach: false, withDepthProj: true, estGrad: true},
	} {
		est, dec := estimatorGrad(t, test.detach, test.withDepthProj)
		if (est != nil) != test.estGrad {
			t.Errorf("detach=%v withDepthProj=%v: estimator gradient present = %v, want %v",
				test.detach, test.withDepthProj, est != nil, test.estGrad)
		}
		if dec == nil {
			t.Errorf("detach=%v withDepthProj=%v: no decoder gradient", test.detach, test.withDepthProj)
		}
	}
}

// With detach set, the depth projection term alone drives the estimator, so
// its gradient must match a run without the occupancy term.
func TestDetachDepthProjGradientSource(t *testing.T) {
	both, _ := estimatorGrad(t, true, true)
	cfg := smallConfig("occant_rgb")
	cfg.GPAnticipation.DetachDepthProj = true
	a, err := New(cfg)
	require.NoError(t, err)
	out, err := a.Variant().Anticipate(observations(rand.New(rand.NewSource(5)), 2, 32))
	require.NoError(t, err)
	require.NoError(t, tensor.Backward(tensor.Sum(out[KeyDepthProjEstimate])))
	only := nnet.State(a)["main.gp_depth_proj_estimator.main.0.weight"].Grad
	if !floats.EqualApprox(both, only, 1e-10) {
		t.Errorf("estimator gradient depends on the detached occupancy term")
	}
}

func TestCrossView(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	a, err := New(smallConfig("cross-view"))
	require.NoError(t, err)
	require.False(t, a.UsesGPAnticipation())
	x := Observations{KeyRGBLarge: tensor.Uniform(rng, 0, 1, 2, 3, 64, 64)}
	out, err := a.Forward(x)
	require.NoError(t, err)
	occ := out[KeyOccEstimate]
	require.Equal(t, []int{2, 2, 32, 32}, occ.Shape())
	for _, v := range occ.Data {
		require.True(t, v == 0 || v == 1, "%v", v)
	}
	depth := out[KeyDepthProjEstimate]
	require.Equal(t, occ.Shape(), depth.Shape())
	for _, v := range depth.Data {
		require.Zero(t, v)
	}

	_, err = a.Forward(Observations{KeyRGB: x[KeyRGBLarge]})
	require.ErrorIs(t, err, common.ErrMissingInputKey)
}

func TestThresholdOccupancy(t *testing.T) {
	// one batch element, 3 pixels: (p0, p1) = (0.5, 0.5), (0.4, 0.6), (0.6, 0.4)
	probs := tensor.New([]int{1, 2, 1, 3}, []float64{
		0.5, 0.4, 0.6,
		0.5, 0.6, 0.4,
	})
	got, err := thresholdOccupancy(probs)
	require.NoError(t, err)
	require.Equal(t, []float64{
		0, 1, 0,
		0, 1, 0,
	}, got.Data)

	_, err = thresholdOccupancy(tensor.Zeros(1, 3, 1, 1))
	require.ErrorIs(t, err, common.ErrShapeMismatch)
}

func TestFilterDepthProjState(t *testing.T) {
	t1 := tensor.Zeros(1)
	sd := nnet.StateDict{
		"a.projection_unit.w":             t1,
		"a.mapper_copy.projection_unit.w": tensor.Zeros(1),
		"b.other.w":                       tensor.Zeros(1),
	}
	got := FilterDepthProjState(sd)
	require.Equal(t, []string{"a.projection_unit.w"}, got.Keys())
	require.Same(t, t1, got["a.projection_unit.w"])

	got = FilterDepthProjState(nnet.StateDict{
		"module.mapper.projection_unit.main.main.main.0.weight": t1,
	})
	require.Equal(t, []string{"main.0.weight"}, got.Keys())
}

func mapperCheckpoint(est *ANSRGB) checkpoint.File {
	sd := nnet.StateDict{
		"module.mapper_copy.projection_unit.main.main.main.0.weight": tensor.Zeros(1),
		"module.mapper.policy.fc.weight":                             tensor.Zeros(1),
	}
	for k, v := range nnet.State(est) {
		sd["module.mapper.projection_unit.main.main."+k] = v.Clone()
	}
	return checkpoint.File{checkpoint.MapperKey: sd}
}

func TestLoadDepthProjModel(t *testing.T) {
	src, err := New(smallConfig("ans_rgb"))
	require.NoError(t, err)
	cfg := smallConfig("ans_rgb")
	cfg.GPAnticipation.Seed = 7
	dst, err := New(cfg)
	require.NoError(t, err)

	srcEst, dstEst := src.Variant().(*ANSRGB), dst.Variant().(*ANSRGB)
	w := "main.0.weight"
	require.NotEqual(t, nnet.State(srcEst)[w].Data, nnet.State(dstEst)[w].Data)

	require.NoError(t, LoadDepthProjModel(dstEst, mapperCheckpoint(srcEst)))
	want, got := nnet.State(srcEst), nnet.State(dstEst)
	for k, v := range want {
		require.Equal(t, v.Data, got[k].Data, k)
	}

	err = LoadDepthProjModel(dstEst, checkpoint.File{checkpoint.MapperKey: {"b.other.w": tensor.Zeros(1)}})
	require.ErrorIs(t, err, common.ErrCheckpointKeyMismatch)
	err = LoadDepthProjModel(dstEst, checkpoint.File{})
	require.ErrorIs(t, err, common.ErrCheckpointKeyMismatch)
}

func TestPretrainedDepthProjFromConfig(t *testing.T) {
	src, err := New(smallConfig("ans_rgb"))
	require.NoError(t, err)
	srcEst := src.Variant().(*ANSRGB)
	path := filepath.Join(t.TempDir(), "mapper.ckpt")
	require.NoError(t, checkpoint.Save(path, mapperCheckpoint(srcEst)))

	cfg := smallConfig("occant_rgb")
	cfg.GPAnticipation.Seed = 9
	cfg.GPAnticipation.PretrainedDepthProjModel = path
	a, err := New(cfg)
	require.NoError(t, err)
	got := nnet.State(a.Variant().(*OccAntRGB).Estimator())
	for k, v := range nnet.State(srcEst) {
		require.Equal(t, v.Data, got[k].Data, k)
	}

	cfg.GPAnticipation.PretrainedDepthProjModel = filepath.Join(t.TempDir(), "missing.ckpt")
	_, err = New(cfg)
	require.Error(t, err)
}

// writeRawCheckpoint writes an uncompressed checkpoint holding a single
// record, bypassing the shape checks of checkpoint.Save.
func writeRawCheckpoint(t *testing.T, path, key, name string, shape []int, data []float64) {
	t.Helper()
	type record struct {
		Shape []int
		Data  []float64
	}
	raw := map[string]map[string]record{key: {name: {Shape: shape, Data: data}}}
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(raw))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestPretrainedCorruptShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "negative.ckpt")
	writeRawCheckpoint(t, path, checkpoint.MapperKey, "mapper.projection_unit.main.main.0.weight", []int{-1, -1}, []float64{0})
	cfg := smallConfig("occant_rgb")
	cfg.GPAnticipation.PretrainedDepthProjModel = path
	var err error
	require.NotPanics(t, func() { _, err = New(cfg) })
	require.ErrorIs(t, err, common.ErrShapeMismatch)
}

func TestPretrainedBackbone(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	a, err := New(smallConfig("occant_rgbd"))
	require.NoError(t, err)
	trunk := a.Variant().(*OccAntRGBD).rgbEncoder.Parameters()
	sd := nnet.StateDict{"fc.weight": tensor.Zeros(10, 512)}
	for _, p := range trunk {
		sd[p.Name] = tensor.Randn(rng, 1, p.Value.Shape()...)
	}
	path := filepath.Join(t.TempDir(), "resnet.ckpt")
	require.NoError(t, checkpoint.Save(path, checkpoint.File{"resnet18": sd}))

	cfg := smallConfig("occant_rgbd")
	cfg.GPAnticipation.PretrainedBackbone = path
	b, err := New(cfg)
	require.NoError(t, err)
	for _, p := range b.Variant().(*OccAntRGBD).rgbEncoder.Parameters() {
		require.Equal(t, sd[p.Name].Data, p.Value.Data, p.Name)
	}

	cfg.GPAnticipation.ResNetType = "resnet50"
	_, err = New(cfg)
	require.ErrorIs(t, err, common.ErrCheckpointKeyMismatch)
}

func TestTrainStepRespectsFreeze(t *testing.T) {
	cfg := smallConfig("occant_rgbd")
	cfg.GPAnticipation.FreezeFeatures = true
	a, err := New(cfg)
	require.NoError(t, err)
	params := a.Parameters()
	before := make(map[string][]float64, len(params))
	for _, p := range params {
		before[p.Name] = append([]float64(nil), p.Value.Data...)
	}

	x := observations(rand.New(rand.NewSource(10)), 2, 32)
	out, err := a.Variant().Anticipate(x)
	require.NoError(t, err)
	l, err := loss.Compute(loss.BinaryCrossEntropy{}, out[KeyOccEstimate], x[KeyEgoMapGTAnticipated])
	require.NoError(t, err)
	require.NoError(t, tensor.Backward(l))
	train.SGD{LearningRate: 0.1, Regularizer: regularize.TwoNorm{Gamma: 1e-4}}.Step(params)

	for _, p := range params {
		changed := !floats.Equal(before[p.Name], p.Value.Data)
		switch {
		case p.Buffer, strings.HasPrefix(p.Name, "main.gp_rgb_encoder."):
			require.False(t, changed, p.Name)
		case strings.HasSuffix(p.Name, "outc.conv.weight"):
			require.True(t, changed, p.Name)
		}
	}
}
