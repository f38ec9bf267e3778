// Package regtest contains helper functions for testing models built from
// nnet layers.
package regtest

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/occant/occant/common"
	"github.com/occant/occant/nnet"
	"github.com/occant/occant/tensor"
)

const (
	fdStep = 1e-6
	fdTol  = 1e-5
	// fdMaxPerParam bounds the entries checked per parameter.
	fdMaxPerParam = 4
)

// Objective computes a scalar from the current parameter values.
type Objective func() (*tensor.Tensor, error)

// TestDeriv checks the gradients Backward stores in the trainable
// parameters of p against central finite differences of obj.
func TestDeriv(t *testing.T, p nnet.Parameterized, obj Objective, name string) {
	t.Helper()
	params := p.Parameters()
	nnet.ZeroGrad(params)
	out, err := obj()
	if err != nil {
		t.Fatalf("%v: objective: %v", name, err)
	}
	if err := tensor.Backward(out); err != nil {
		t.Fatalf("%v: backward: %v", name, err)
	}

	eval := func() float64 {
		out, err := obj()
		if err != nil {
			t.Fatalf("%v: objective: %v", name, err)
		}
		return out.Item()
	}
	for _, prm := range params {
		if prm.Buffer || !prm.Value.RequiresGrad() {
			continue
		}
		v := prm.Value
		n := v.Len()
		if n > fdMaxPerParam {
			n = fdMaxPerParam
		}
		analytic := make([]float64, n)
		if v.Grad != nil {
			copy(analytic, v.Grad[:n])
		}
		fd := make([]float64, n)
		for i := 0; i < n; i++ {
			orig := v.Data[i]
			v.Data[i] = orig + fdStep
			f1 := eval()
			v.Data[i] = orig - fdStep
			f2 := eval()
			v.Data[i] = orig
			fd[i] = (f1 - f2) / (2 * fdStep)
		}
		if !floats.EqualApprox(analytic, fd, fdTol*math.Max(1, floats.Norm(fd, math.Inf(1)))) {
			t.Errorf("%v: %v: deriv doesn't match: Finite Difference: %v, Analytic: %v", name, prm.Name, fd, analytic)
		}
	}
}

// TestStateRoundTrip checks that the state dict of one model loads into
// another model of the same architecture, that the loaded values are
// copies, and that an extra key is rejected without modifying anything.
func TestStateRoundTrip(t *testing.T, src, dst nnet.Parameterized, name string) {
	t.Helper()
	want := nnet.State(src)
	if err := nnet.LoadState(dst, want); err != nil {
		t.Fatalf("%v: load: %v", name, err)
	}
	got := nnet.State(dst)
	for k, v := range want {
		if !floats.Equal(v.Data, got[k].Data) {
			t.Errorf("%v: %v differs after load", name, k)
		}
		if len(v.Data) > 0 && &v.Data[0] == &got[k].Data[0] {
			t.Errorf("%v: %v shares memory with the source", name, k)
		}
	}

	extra := make(nnet.StateDict, len(want)+1)
	for k, v := range want {
		extra[k] = tensor.Full(math.NaN(), v.Shape()...)
	}
	extra["unexpected.weight"] = tensor.Zeros(1)
	err := nnet.LoadState(dst, extra)
	if !errors.Is(err, common.ErrCheckpointKeyMismatch) {
		t.Errorf("%v: extra key: got %v, want a key mismatch", name, err)
	}
	for k, v := range nnet.State(dst) {
		if floats.HasNaN(v.Data) {
			t.Errorf("%v: %v modified by a failed load", name, k)
		}
	}
}
