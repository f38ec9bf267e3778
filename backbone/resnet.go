// Package backbone implements the residual-network image trunks used as
// pretrained feature extractors. Parameter names follow the torchvision
// layout (conv1, bn1, layer1.0.conv1, layer2.0.downsample.0, ...) so that
// weights exported from the reference models load by key. The
// classification head is never built.
package backbone

import (
	"math/rand"
	"strings"

	"github.com/occant/occant/common"
	"github.com/occant/occant/nnet"
	"github.com/occant/occant/tensor"
)

// Supported trunk types.
const (
	ResNet18 = "resnet18"
	ResNet50 = "resnet50"
)

type arch struct {
	blocks     [4]int
	bottleneck bool
}

var archs = map[string]arch{
	ResNet18: {blocks: [4]int{2, 2, 2, 2}},
	ResNet50: {blocks: [4]int{3, 4, 6, 3}, bottleneck: true},
}

var stagePlanes = [4]int{64, 128, 256, 512}

func lookup(typ string) (arch, error) {
	a, ok := archs[typ]
	if !ok {
		return arch{}, &common.InvalidConfiguration{Field: "resnet_type", Value: typ}
	}
	return a, nil
}

// StageChannels returns the number of channels produced by stage i (1-based)
// of the given trunk type.
func StageChannels(typ string, stage int) (int, error) {
	a, err := lookup(typ)
	if err != nil {
		return 0, err
	}
	c := stagePlanes[stage-1]
	if a.bottleneck {
		c *= 4
	}
	return c, nil
}

// ResNet is the convolutional trunk of a residual network, built up to a
// given number of stages. The stem downsamples by 4 and every stage after
// the first by another 2.
type ResNet struct {
	Type   string
	Conv1  *nnet.Conv2d
	BN1    *nnet.BatchNorm2d
	Stages []*nnet.Sequential
}

// NewResNet builds the first nStages (1 to 4) stages of the named trunk.
// Weights are Kaiming-initialized; batch norms use running statistics.
func NewResNet(rng *rand.Rand, typ string, nStages int) (*ResNet, error) {
	a, err := lookup(typ)
	if err != nil {
		return nil, err
	}
	if nStages < 1 || nStages > 4 {
		nStages = 4
	}
	r := &ResNet{
		Type:  typ,
		Conv1: nnet.NewConv2d(rng, 3, 64, 7, 2, 3, false),
		BN1:   nnet.NewBatchNorm2d(64, true),
	}
	inplanes := 64
	for s := 0; s < nStages; s++ {
		stride := 2
		if s == 0 {
			stride = 1
		}
		stage := nnet.NewSequential()
		for b := 0; b < a.blocks[s]; b++ {
			if b > 0 {
				stride = 1
			}
			var blk *block
			if a.bottleneck {
				blk = newBottleneck(rng, inplanes, stagePlanes[s], stride)
			} else {
				blk = newBasicBlock(rng, inplanes, stagePlanes[s], stride)
			}
			stage.Add(blk)
			inplanes = blk.outChannels
		}
		r.Stages = append(r.Stages, stage)
	}
	return r, nil
}

// Stem returns conv1, bn1, relu and maxpool.
func (r *ResNet) Stem() []nnet.Layer {
	return []nnet.Layer{r.Conv1, r.BN1, nnet.ReLU{}, nnet.MaxPool2d{Kernel: 3, Stride: 2, Padding: 1}}
}

// Trunk returns the stem followed by every built stage, in the order the
// torchvision model applies them.
func (r *ResNet) Trunk() []nnet.Layer {
	layers := r.Stem()
	for _, s := range r.Stages {
		layers = append(layers, s)
	}
	return layers
}

func (r *ResNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return nnet.NewSequential(r.Trunk()...).Forward(x)
}

func (r *ResNet) Parameters() []nnet.Parameter {
	params := nnet.Prefix("conv1", r.Conv1.Parameters())
	params = append(params, nnet.Prefix("bn1", r.BN1.Parameters())...)
	for i, s := range r.Stages {
		params = append(params, nnet.Prefix("layer"+string(rune('1'+i)), s.Parameters())...)
	}
	return params
}

// TrunkState selects the entries of a torchvision ResNet state dict that
// belong to the built trunk: the classification head (fc.*), batch counters
// and stages that were not built are dropped.
func (r *ResNet) TrunkState(sd nnet.StateDict) nnet.StateDict {
	out := make(nnet.StateDict, len(sd))
	for k, v := range sd {
		if strings.HasPrefix(k, "fc.") || strings.HasSuffix(k, "num_batches_tracked") {
			continue
		}
		if strings.HasPrefix(k, "layer") && len(k) > 5 {
			stage := int(k[5] - '0')
			if stage > len(r.Stages) {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// LoadPretrained loads torchvision-layout weights into the trunk.
func (r *ResNet) LoadPretrained(sd nnet.StateDict) error {
	return nnet.LoadState(r, r.TrunkState(sd))
}

// block is a residual unit: body(x) + shortcut(x) followed by ReLU.
type block struct {
	convs       []*nnet.Conv2d
	norms       []*nnet.BatchNorm2d
	downsample  *nnet.Sequential
	outChannels int
}

func newBasicBlock(rng *rand.Rand, inplanes, planes, stride int) *block {
	b := &block{
		convs: []*nnet.Conv2d{
			nnet.NewConv2d(rng, inplanes, planes, 3, stride, 1, false),
			nnet.NewConv2d(rng, planes, planes, 3, 1, 1, false),
		},
		norms:       []*nnet.BatchNorm2d{nnet.NewBatchNorm2d(planes, true), nnet.NewBatchNorm2d(planes, true)},
		outChannels: planes,
	}
	b.downsample = shortcut(rng, inplanes, planes, stride)
	return b
}

func newBottleneck(rng *rand.Rand, inplanes, planes, stride int) *block {
	out := planes * 4
	b := &block{
		convs: []*nnet.Conv2d{
			nnet.NewConv2d(rng, inplanes, planes, 1, 1, 0, false),
			nnet.NewConv2d(rng, planes, planes, 3, stride, 1, false),
			nnet.NewConv2d(rng, planes, out, 1, 1, 0, false),
		},
		norms: []*nnet.BatchNorm2d{
			nnet.NewBatchNorm2d(planes, true),
			nnet.NewBatchNorm2d(planes, true),
			nnet.NewBatchNorm2d(out, true),
		},
		outChannels: out,
	}
	b.downsample = shortcut(rng, inplanes, out, stride)
	return b
}

func shortcut(rng *rand.Rand, in, out, stride int) *nnet.Sequential {
	if stride == 1 && in == out {
		return nil
	}
	return nnet.NewSequential(nnet.NewConv2d(rng, in, out, 1, stride, 0, false), nnet.NewBatchNorm2d(out, true))
}

func (b *block) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y := x
	var err error
	for i := range b.convs {
		if y, err = b.convs[i].Forward(y); err != nil {
			return nil, err
		}
		if y, err = b.norms[i].Forward(y); err != nil {
			return nil, err
		}
		if i < len(b.convs)-1 {
			y = tensor.ReLU(y)
		}
	}
	identity := x
	if b.downsample != nil {
		if identity, err = b.downsample.Forward(x); err != nil {
			return nil, err
		}
	}
	if y, err = tensor.Add(y, identity); err != nil {
		return nil, err
	}
	return tensor.ReLU(y), nil
}

func (b *block) Parameters() []nnet.Parameter {
	var params []nnet.Parameter
	for i := range b.convs {
		n := string(rune('1' + i))
		params = append(params, nnet.Prefix("conv"+n, b.convs[i].Parameters())...)
		params = append(params, nnet.Prefix("bn"+n, b.norms[i].Parameters())...)
	}
	if b.downsample != nil {
		params = append(params, nnet.Prefix("downsample", b.downsample.Parameters())...)
	}
	return params
}
