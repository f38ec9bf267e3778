// Package loss provides element-wise loss functions and a bridge that turns
// them into scalar tensors with gradient history, so that a prediction of a
// model can be trained against a target map.
package loss

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/occant/occant/common"
	"github.com/occant/occant/tensor"
)

var lenMismatch string = "length mismatch"

// Losser is an interface for a loss function.
// A loss function is a measure of the quality of a prediction, with
// a lower value of loss being better. Typically, the loss is zero
// iff prediction == truth, and is always non-negative
// A Losser will panic if len(prediction) != len(truth). The losser
// should not modify the slice values
type Losser interface {
	Loss(prediction, truth []float64) float64
}

// A DerivLosser is a loss function which can the loss and also the derivative
// of the loss function with respect to the prediction. The derivative
// is put in place into the derivative slice.
type DerivLosser interface {
	Losser
	LossDeriv(prediction, truth, derivative []float64) float64
}

// Compute evaluates l on two tensors of the same shape and returns the loss
// as a one-element tensor. When prediction tracks gradients the result
// does too, and backpropagating it deposits dLoss/dPrediction.
// The truth tensor is treated as a constant.
func Compute(l DerivLosser, prediction, truth *tensor.Tensor) (*tensor.Tensor, error) {
	if !tensor.SameShape(prediction, truth) {
		return nil, &common.ShapeMismatch{Op: "loss", Shapes: [][]int{prediction.Shape(), truth.Shape()}}
	}
	deriv := make([]float64, prediction.Len())
	v := l.LossDeriv(prediction.Data, truth.Data, deriv)
	return tensor.Custom("loss", []int{1}, []float64{v}, []*tensor.Tensor{prediction}, func(g []float64) {
		scaled := make([]float64, len(deriv))
		floats.AddScaled(scaled, g[0], deriv)
		tensor.AccumulateGrad(prediction, scaled)
	}), nil
}

// SquaredDistance is the same as the two-norm of (pred - truth) divided by the
// length
type SquaredDistance struct{}

func (SquaredDistance) Loss(prediction, truth []float64) (loss float64) {
	if len(prediction) != len(truth) {
		panic(lenMismatch)
	}
	for i := range prediction {
		diff := prediction[i] - truth[i]
		loss += diff * diff
	}
	loss /= float64(len(prediction))
	return loss
}

func (SquaredDistance) LossDeriv(prediction, truth, derivative []float64) (loss float64) {
	if len(prediction) != len(truth) || len(prediction) != len(derivative) {
		panic(lenMismatch)
	}
	for i := range prediction {
		diff := prediction[i] - truth[i]
		derivative[i] = diff
		loss += diff * diff
	}
	loss /= float64(len(prediction))
	for i := range derivative {
		derivative[i] /= float64(len(prediction)) / 2
	}
	return loss
}

// Manhattan distance is the same as the one-norm of (pred - truth)
type ManhattanDistance struct{}

func (ManhattanDistance) Loss(prediction, truth []float64) float64 {
	if len(prediction) != len(truth) {
		panic(lenMismatch)
	}
	var loss float64
	for i, val := range prediction {
		loss += math.Abs(val - truth[i])
	}
	loss /= float64(len(prediction))
	return loss
}

func (ManhattanDistance) LossDeriv(prediction, truth, derivative []float64) (loss float64) {
	if len(prediction) != len(truth) || len(prediction) != len(derivative) {
		panic(lenMismatch)
	}
	for i := range prediction {
		loss += math.Abs(prediction[i] - truth[i])
		switch {
		case prediction[i] > truth[i]:
			derivative[i] = 1.0 / float64(len(prediction))
		case prediction[i] < truth[i]:
			derivative[i] = -1.0 / float64(len(prediction))
		default:
			derivative[i] = 0
		}
	}
	loss /= float64(len(prediction))
	return loss
}

// BinaryCrossEntropy is the mean binary cross entropy between predicted
// probabilities and target probabilities. Predictions are clamped to
// [Eps, 1-Eps]; a zero Eps uses 1e-7.
type BinaryCrossEntropy struct {
	Eps float64
}

func (b BinaryCrossEntropy) clamp(p float64) float64 {
	eps := b.Eps
	if eps == 0 {
		eps = 1e-7
	}
	return math.Min(math.Max(p, eps), 1-eps)
}

func (b BinaryCrossEntropy) Loss(prediction, truth []float64) float64 {
	if len(prediction) != len(truth) {
		panic(lenMismatch)
	}
	var loss float64
	for i, p := range prediction {
		p = b.clamp(p)
		loss -= truth[i]*math.Log(p) + (1-truth[i])*math.Log1p(-p)
	}
	return loss / float64(len(prediction))
}

func (b BinaryCrossEntropy) LossDeriv(prediction, truth, derivative []float64) float64 {
	if len(prediction) != len(truth) || len(prediction) != len(derivative) {
		panic(lenMismatch)
	}
	n := float64(len(prediction))
	var loss float64
	for i, p := range prediction {
		p = b.clamp(p)
		t := truth[i]
		loss -= t*math.Log(p) + (1-t)*math.Log1p(-p)
		derivative[i] = (p - t) / (p * (1 - p)) / n
	}
	return loss / n
}

// LogSquared uses log(1 + diff*diff) so that really high losses aren't as important
type LogSquared struct{}

func (LogSquared) Loss(prediction, truth []float64) float64 {
	var loss float64
	for i, pred := range prediction {
		diff := pred - truth[i]
		diffSqPlus1 := diff*diff + 1
		loss += math.Log(diffSqPlus1)
	}
	loss /= float64(len(prediction))
	return loss
}

func (LogSquared) LossDeriv(prediction, truth, derivative []float64) (loss float64) {
	nSamples := float64(len(prediction))
	for i := range prediction {
		diff := prediction[i] - truth[i]
		diffSqPlus1 := diff*diff + 1
		loss += math.Log(diffSqPlus1)
		derivative[i] = 2 / diffSqPlus1 * diff / nSamples
	}
	loss /= nSamples
	return loss
}
