package tensor

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/occant/occant/common"
)

const (
	fdStep = 1e-6
	fdTol  = 1e-5
)

// checkGrad compares the autograd gradient of sum(f(inputs) * probe) with a
// central finite difference for every input.
func checkGrad(t *testing.T, name string, f func(in []*Tensor) (*Tensor, error), inputs ...*Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	for _, in := range inputs {
		in.SetRequiresGrad(true)
		in.ZeroGrad()
	}
	out, err := f(inputs)
	require.NoError(t, err, name)
	probe := Randn(rng, 1, out.Shape()...)
	objective := func() float64 {
		o, err := f(inputs)
		require.NoError(t, err, name)
		return floats.Dot(o.Data, probe.Data)
	}
	weighted, err := Mul(out, probe)
	require.NoError(t, err)
	require.NoError(t, Backward(Sum(weighted)), name)

	for k, in := range inputs {
		require.NotNil(t, in.Grad, "%s: input %d has no gradient", name, k)
		for i := range in.Data {
			orig := in.Data[i]
			in.Data[i] = orig + fdStep
			plus := objective()
			in.Data[i] = orig - fdStep
			minus := objective()
			in.Data[i] = orig
			fd := (plus - minus) / (2 * fdStep)
			if math.Abs(fd-in.Grad[i]) > fdTol*math.Max(1, math.Abs(fd)) {
				t.Errorf("%s: input %d element %d: finite difference %v, autograd %v", name, k, i, fd, in.Grad[i])
				return
			}
		}
	}
}

func TestConv2dGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, test := range []struct {
		name            string
		stride, padding int
		bias            bool
	}{
		{name: "3x3 pad 1", stride: 1, padding: 1, bias: true},
		{name: "3x3 stride 2", stride: 2, padding: 1, bias: false},
		{name: "3x3 valid", stride: 1, padding: 0, bias: true},
	} {
		x := Randn(rng, 1, 2, 3, 5, 5)
		w := Randn(rng, 0.5, 4, 3, 3, 3)
		if test.bias {
			b := Randn(rng, 0.5, 4)
			checkGrad(t, test.name, func(in []*Tensor) (*Tensor, error) {
				return Conv2d(in[0], in[1], in[2], test.stride, test.padding)
			}, x, w, b)
			continue
		}
		checkGrad(t, test.name, func(in []*Tensor) (*Tensor, error) {
			return Conv2d(in[0], in[1], nil, test.stride, test.padding)
		}, x, w)
	}
}

func TestConv2dKnownValue(t *testing.T) {
	x := New([]int{1, 1, 3, 3}, []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})
	w := Full(1, 1, 1, 2, 2)
	b := New([]int{1}, []float64{0.5})
	out, err := Conv2d(x, w, b, 1, 0)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 2, 2}, out.Shape())
	require.Equal(t, []float64{12.5, 16.5, 24.5, 28.5}, out.Data)
}

func TestConv2dShapeMismatch(t *testing.T) {
	x := Zeros(1, 3, 4, 4)
	w := Zeros(2, 2, 3, 3)
	_, err := Conv2d(x, w, nil, 1, 1)
	require.Error(t, err)
	require.True(t, errors.Is(err, common.ErrShapeMismatch))
}

func TestBatchNormGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := Randn(rng, 2, 3, 2, 3, 3)
	gamma := Uniform(rng, 0.5, 1.5, 2)
	beta := Randn(rng, 1, 2)
	checkGrad(t, "batch statistics", func(in []*Tensor) (*Tensor, error) {
		return BatchNorm(in[0], in[1], in[2], nil, nil, 1e-5)
	}, x, gamma, beta)

	mean := Randn(rng, 1, 2)
	variance := Uniform(rng, 0.5, 2, 2)
	checkGrad(t, "running statistics", func(in []*Tensor) (*Tensor, error) {
		return BatchNorm(in[0], in[1], in[2], mean, variance, 1e-5)
	}, x, gamma, beta)
}

func TestBatchNormNormalizes(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	x := Randn(rng, 3, 4, 2, 5, 5)
	out, err := BatchNorm(x, Full(1, 2), Zeros(2), nil, nil, 1e-5)
	require.NoError(t, err)
	n, c, h, w := out.Dims()
	for ch := 0; ch < c; ch++ {
		var vals []float64
		for i := 0; i < n; i++ {
			vals = append(vals, out.Data[(i*c+ch)*h*w:(i*c+ch+1)*h*w]...)
		}
		mean := floats.Sum(vals) / float64(len(vals))
		if math.Abs(mean) > 1e-10 {
			t.Errorf("channel %d mean %v, want 0", ch, mean)
		}
	}
}

func TestPoolingAndResizeGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	checkGrad(t, "maxpool", func(in []*Tensor) (*Tensor, error) {
		return MaxPool2d(in[0], 3, 2, 1)
	}, Randn(rng, 1, 2, 2, 6, 6))
	checkGrad(t, "adaptive avgpool", func(in []*Tensor) (*Tensor, error) {
		return AdaptiveAvgPool2d(in[0], 3, 4)
	}, Randn(rng, 1, 1, 2, 7, 5))
	checkGrad(t, "bilinear", func(in []*Tensor) (*Tensor, error) {
		return ResizeBilinear(in[0], 7, 9)
	}, Randn(rng, 1, 1, 2, 4, 3))
	checkGrad(t, "pad", func(in []*Tensor) (*Tensor, error) {
		return Pad2d(in[0], 1, 0, 2, 1)
	}, Randn(rng, 1, 1, 2, 3, 3))
}

func TestActivationGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	checkGrad(t, "sigmoid", func(in []*Tensor) (*Tensor, error) {
		return Sigmoid(in[0]), nil
	}, Randn(rng, 2, 2, 2, 3, 3))
	checkGrad(t, "spatial softmax", func(in []*Tensor) (*Tensor, error) {
		return SoftmaxSpatial(in[0])
	}, Randn(rng, 2, 2, 2, 3, 3))
	checkGrad(t, "channel softmax", func(in []*Tensor) (*Tensor, error) {
		return SoftmaxChannels(in[0])
	}, Randn(rng, 2, 2, 3, 2, 2))
}

func TestShapeOpGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	checkGrad(t, "concat", func(in []*Tensor) (*Tensor, error) {
		return Concat(in[0], in[1])
	}, Randn(rng, 1, 2, 1, 3, 3), Randn(rng, 1, 2, 2, 3, 3))
	checkGrad(t, "select", func(in []*Tensor) (*Tensor, error) {
		return SelectChannel(in[0], 1)
	}, Randn(rng, 1, 2, 3, 2, 2))
	checkGrad(t, "repeat", func(in []*Tensor) (*Tensor, error) {
		return RepeatChannels(in[0], 3)
	}, Randn(rng, 1, 2, 1, 2, 2))
}

func TestAttentionGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	checkGrad(t, "cross attention", func(in []*Tensor) (*Tensor, error) {
		return CrossAttention(in[0], in[1], in[2])
	}, Randn(rng, 1, 2, 3, 2, 2), Randn(rng, 1, 2, 3, 3, 1), Randn(rng, 1, 2, 2, 3, 1))
	checkGrad(t, "spatial linear", func(in []*Tensor) (*Tensor, error) {
		return SpatialLinear(in[0], in[1], in[2], 2, 3)
	}, Randn(rng, 1, 2, 2, 2, 2), Randn(rng, 1, 6, 4), Randn(rng, 1, 6))
}

func TestSoftmaxSpatialSumsToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	x := Randn(rng, 5, 3, 2, 8, 8)
	out, err := SoftmaxSpatial(x)
	require.NoError(t, err)
	for p := 0; p < 6; p++ {
		sum := floats.Sum(out.Data[p*64 : (p+1)*64])
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("plane %d sums to %v", p, sum)
		}
	}
}

func TestResizeBilinearAlignsCorners(t *testing.T) {
	x := New([]int{1, 1, 2, 2}, []float64{0, 1, 2, 3})
	out, err := Upsample2x(x)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 4, 4}, out.Shape())
	require.Equal(t, 0.0, out.At(0, 0, 0, 0))
	require.Equal(t, 1.0, out.At(0, 0, 0, 3))
	require.Equal(t, 2.0, out.At(0, 0, 3, 0))
	require.Equal(t, 3.0, out.At(0, 0, 3, 3))
	require.InDelta(t, 1.0/3, out.At(0, 0, 0, 1), 1e-12)
}

func TestInterpolateArea(t *testing.T) {
	x := New([]int{1, 1, 2, 4}, []float64{
		1, 3, 5, 7,
		1, 3, 5, 7,
	})
	out, err := Interpolate(x, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []float64{2, 6}, out.Data)
}

func TestDetachStopsGradient(t *testing.T) {
	x := Param([]int{1, 1, 1, 2}, []float64{1, 2})
	y := Scale(x, 3)
	z, err := Add(y.Detach(), Scale(x, 2))
	require.NoError(t, err)
	require.NoError(t, Backward(Sum(z)))
	require.Equal(t, []float64{2, 2}, x.Grad)
}

func TestBackwardWithoutGradient(t *testing.T) {
	x := Zeros(1, 1, 2, 2)
	err := Backward(Sum(x))
	require.ErrorIs(t, err, ErrNoGradient)
}

func TestBackwardTwiceDoesNotDoubleCount(t *testing.T) {
	x := Param([]int{1, 1, 1, 1}, []float64{2})
	y := Scale(x, 3)
	a := Scale(y, 1)
	b := Scale(y, 1)
	require.NoError(t, Backward(a))
	require.NoError(t, Backward(b))
	require.Equal(t, []float64{6}, x.Grad)
}
