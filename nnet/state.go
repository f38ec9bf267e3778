package nnet

import (
	"sort"

	"github.com/occant/occant/common"
	"github.com/occant/occant/tensor"
)

// StateDict is a mapping from dotted parameter path to value.
type StateDict map[string]*tensor.Tensor

// Keys returns the keys of s in sorted order.
func (s StateDict) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// State returns the state dict of l. The tensors are shared with l, not
// copied.
func State(l Parameterized) StateDict {
	params := l.Parameters()
	sd := make(StateDict, len(params))
	for _, p := range params {
		sd[p.Name] = p.Value
	}
	return sd
}

// LoadState copies the values in sd into the parameters of l. Every
// parameter of l must be present with a matching shape and sd must not
// contain keys l does not have; otherwise nothing is copied and a
// *common.CheckpointKeyMismatch is returned. Gradient tracking of the
// parameters is left as it was.
func LoadState(l Parameterized, sd StateDict) error {
	params := l.Parameters()
	if len(sd) == 0 {
		return &common.CheckpointKeyMismatch{}
	}
	mis := &common.CheckpointKeyMismatch{}
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		seen[p.Name] = true
		v, ok := sd[p.Name]
		if !ok {
			mis.Missing = append(mis.Missing, p.Name)
			continue
		}
		if !tensor.SameShape(v, p.Value) {
			mis.Shape = append(mis.Shape, p.Name)
		}
	}
	for k := range sd {
		if !seen[k] {
			mis.Unexpected = append(mis.Unexpected, k)
		}
	}
	if len(mis.Missing) != 0 || len(mis.Unexpected) != 0 || len(mis.Shape) != 0 {
		sort.Strings(mis.Missing)
		sort.Strings(mis.Unexpected)
		sort.Strings(mis.Shape)
		return mis
	}
	for _, p := range params {
		copy(p.Value.Data, sd[p.Name].Data)
	}
	return nil
}

// SetRequiresGrad turns gradient tracking on or off for every trainable
// parameter. Buffers are never tracked.
func SetRequiresGrad(params []Parameter, b bool) {
	for _, p := range params {
		if p.Buffer {
			continue
		}
		p.Value.SetRequiresGrad(b)
	}
}

// Count returns the number of scalar values in params and how many of them
// are currently trainable.
func Count(params []Parameter) (total, trainable int) {
	for _, p := range params {
		total += p.Value.Len()
		if !p.Buffer && p.Value.RequiresGrad() {
			trainable += p.Value.Len()
		}
	}
	return total, trainable
}

// ZeroGrad clears the gradients of params.
func ZeroGrad(params []Parameter) {
	for _, p := range params {
		p.Value.ZeroGrad()
	}
}
