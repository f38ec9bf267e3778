package tensor

import (
	"errors"

	"gonum.org/v1/gonum/floats"
)

// ErrNoGradient is returned by Backward when the root does not depend on
// any tensor that requires a gradient.
var ErrNoGradient = errors.New("tensor: backward on tensor that does not require grad")

// result builds the output of an operation. History is recorded only when
// one of the inputs requires a gradient.
func result(name string, shape []int, data []float64, inputs []*Tensor, backward func(grad []float64)) *Tensor {
	out := New(shape, data)
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if out.requiresGrad {
		out.op = &op{name: name, inputs: inputs, backward: backward}
	}
	return out
}

// Custom records a user-defined operation. backward receives the gradient of
// the output and is responsible for accumulating into the inputs with
// AccumulateGrad.
func Custom(name string, shape []int, data []float64, inputs []*Tensor, backward func(grad []float64)) *Tensor {
	return result(name, shape, data, inputs, backward)
}

// AccumulateGrad adds g into t.Grad if t requires a gradient.
func AccumulateGrad(t *Tensor, g []float64) {
	accumulate(t, g)
}

func accumulate(t *Tensor, g []float64) {
	if t == nil || !t.requiresGrad {
		return
	}
	if t.Grad == nil {
		t.Grad = make([]float64, len(t.Data))
	}
	floats.Add(t.Grad, g)
}

// gradOf returns t's gradient buffer, allocating it, or nil when t does not
// require a gradient.
func gradOf(t *Tensor) []float64 {
	if t == nil || !t.requiresGrad {
		return nil
	}
	if t.Grad == nil {
		t.Grad = make([]float64, len(t.Data))
	}
	return t.Grad
}

// Backward computes gradients of root with respect to every tensor it
// depends on. The root gradient is seeded with ones, so for a scalar loss
// the result is the ordinary derivative.
func Backward(root *Tensor) error {
	if !root.requiresGrad {
		return ErrNoGradient
	}
	seed := make([]float64, len(root.Data))
	for i := range seed {
		seed[i] = 1
	}
	return BackwardWith(root, seed)
}

// BackwardWith is Backward with an explicit gradient for root. Gradients of
// intermediate results are released once propagated, so the same graph may
// be walked again from another root without double counting.
func BackwardWith(root *Tensor, grad []float64) error {
	if !root.requiresGrad {
		return ErrNoGradient
	}
	if len(grad) != len(root.Data) {
		return mismatch("backward", root.shape, []int{len(grad)})
	}
	order := topoSort(root)
	accumulate(root, grad)
	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		if t.op == nil || t.Grad == nil {
			continue
		}
		t.op.backward(t.Grad)
	}
	for _, t := range order {
		if t.op != nil {
			t.Grad = nil
		}
	}
	return nil
}

// topoSort orders the recorded graph so that every tensor appears after its
// inputs. It is iterative; convolutional graphs can be deep.
func topoSort(root *Tensor) []*Tensor {
	type frame struct {
		t    *Tensor
		next int
	}
	var order []*Tensor
	visited := map[*Tensor]bool{root: true}
	stack := []frame{{t: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.t.op == nil || top.next == len(top.t.op.inputs) {
			order = append(order, top.t)
			stack = stack[:len(stack)-1]
			continue
		}
		in := top.t.op.inputs[top.next]
		top.next++
		if in == nil || !in.requiresGrad || visited[in] {
			continue
		}
		visited[in] = true
		stack = append(stack, frame{t: in})
	}
	return order
}
