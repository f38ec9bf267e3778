// Package tensor implements dense float64 tensors with reverse-mode automatic
// differentiation, specialised for the 4-D (batch, channel, height, width)
// layout used by convolutional models.
//
// An operation records its inputs and a backward function when at least one
// input tracks gradients. Backward walks that record in reverse topological
// order and accumulates into the Grad slice of every tensor that requires a
// gradient. Tensors that do not require gradients (frozen parameters,
// observations, detached values) are never written to.
//
// Operations never mutate their inputs, so a forward pass is safe to run
// concurrently on shared parameters. Backward, which writes gradients, is not.
package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/occant/occant/common"
)

// Tensor is a dense, row-major array of float64 values.
type Tensor struct {
	Data []float64
	// Grad holds the accumulated gradient. It is nil until Backward reaches
	// the tensor, and stays nil for tensors that do not require gradients.
	Grad []float64

	shape        []int
	requiresGrad bool
	op           *op
}

type op struct {
	name     string
	inputs   []*Tensor
	backward func(grad []float64)
}

// New returns a tensor with the given shape backed by data. If data is nil a
// zeroed slice is allocated. New panics if len(data) does not match the shape.
func New(shape []int, data []float64) *Tensor {
	n := numel(shape)
	if data == nil {
		data = make([]float64, n)
	}
	if len(data) != n {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		Data:  data,
		shape: append([]int(nil), shape...),
	}
}

// Zeros returns a zero tensor of the given shape.
func Zeros(shape ...int) *Tensor {
	return New(shape, nil)
}

// Full returns a tensor of the given shape with every element set to v.
func Full(v float64, shape ...int) *Tensor {
	t := New(shape, nil)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Randn returns a tensor of normally distributed values with the given
// standard deviation drawn from rng.
func Randn(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := New(shape, nil)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
	return t
}

// Uniform returns a tensor of values drawn uniformly from [lo, hi).
func Uniform(rng *rand.Rand, lo, hi float64, shape ...int) *Tensor {
	t := New(shape, nil)
	for i := range t.Data {
		t.Data[i] = lo + rng.Float64()*(hi-lo)
	}
	return t
}

// Param returns a leaf tensor that tracks gradients.
func Param(shape []int, data []float64) *Tensor {
	t := New(shape, data)
	t.requiresGrad = true
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Dims returns the four dimensions of a 4-D tensor. It panics otherwise.
func (t *Tensor) Dims() (n, c, h, w int) {
	if len(t.shape) != 4 {
		panic(fmt.Sprintf("tensor: Dims called on shape %v", t.shape))
	}
	return t.shape[0], t.shape[1], t.shape[2], t.shape[3]
}

func (t *Tensor) is4D() bool {
	return len(t.shape) == 4
}

// At returns the element at (n, c, y, x) of a 4-D tensor.
func (t *Tensor) At(n, c, y, x int) float64 {
	_, ch, h, w := t.Dims()
	return t.Data[((n*ch+c)*h+y)*w+x]
}

// Set sets the element at (n, c, y, x) of a 4-D tensor.
func (t *Tensor) Set(n, c, y, x int, v float64) {
	_, ch, h, w := t.Dims()
	t.Data[((n*ch+c)*h+y)*w+x] = v
}

// Item returns the only element of a one-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("tensor: Item called on shape %v", t.shape))
	}
	return t.Data[0]
}

// RequiresGrad reports whether gradients flow into the tensor.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad turns gradient tracking on or off for a leaf tensor.
// Calling it on the result of an operation panics.
func (t *Tensor) SetRequiresGrad(b bool) {
	if t.op != nil {
		panic("tensor: SetRequiresGrad on non-leaf tensor " + t.op.name)
	}
	t.requiresGrad = b
	if !b {
		t.Grad = nil
	}
}

// IsLeaf reports whether the tensor was created directly rather than by an
// operation that recorded history.
func (t *Tensor) IsLeaf() bool {
	return t.op == nil
}

// Detach returns a tensor sharing t's data with no gradient history.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Data:  t.Data,
		shape: t.shape,
	}
}

// Clone returns a deep copy of the data without gradient history.
func (t *Tensor) Clone() *Tensor {
	return New(t.shape, append([]float64(nil), t.Data...))
}

// Reshape returns a tensor viewing the same data with a new shape. The
// gradient flows back unchanged.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numel(shape) != len(t.Data) {
		return nil, mismatch("reshape", t.shape, shape)
	}
	return result("reshape", shape, t.Data, []*Tensor{t}, func(g []float64) {
		accumulate(t, g)
	}), nil
}

// ZeroGrad discards the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.Grad = nil
}

// String prints the shape and, for small tensors, the values.
func (t *Tensor) String() string {
	if len(t.Data) <= 16 {
		return fmt.Sprintf("Tensor%v%v", t.shape, t.Data)
	}
	return fmt.Sprintf("Tensor%v", t.shape)
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.shape) != len(b.shape) {
		return false
	}
	for i := range a.shape {
		if a.shape[i] != b.shape[i] {
			return false
		}
	}
	return true
}

// EqualApprox reports whether a and b have the same shape and all elements
// within tol of each other.
func EqualApprox(a, b *Tensor, tol float64) bool {
	if !SameShape(a, b) {
		return false
	}
	for i := range a.Data {
		if math.Abs(a.Data[i]-b.Data[i]) > tol {
			return false
		}
	}
	return true
}

func mismatch(name string, shapes ...[]int) error {
	s := make([][]int, len(shapes))
	for i := range shapes {
		s[i] = append([]int(nil), shapes[i]...)
	}
	return &common.ShapeMismatch{Op: name, Shapes: s}
}
