// Package common holds the error types and the parallel loop helpers shared
// by the occant packages.
package common

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel values for errors.Is. The typed errors below match them.
var (
	ErrInvalidConfiguration  = errors.New("occant: invalid configuration")
	ErrMissingInputKey       = errors.New("occant: missing input key")
	ErrShapeMismatch         = errors.New("occant: shape mismatch")
	ErrCheckpointKeyMismatch = errors.New("occant: checkpoint key mismatch")
)

// InvalidConfiguration is returned at construction when a configuration
// field holds a value no model understands.
type InvalidConfiguration struct {
	Field string
	Value string
}

func (e *InvalidConfiguration) Error() string {
	return fmt.Sprintf("occant: invalid configuration: %s = %q", e.Field, e.Value)
}

func (e *InvalidConfiguration) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

// MissingInputKey is returned by a forward call when the observation bundle
// lacks a key the model reads.
type MissingInputKey struct {
	Key string
}

func (e *MissingInputKey) Error() string {
	return fmt.Sprintf("occant: observation %q missing from input", e.Key)
}

func (e *MissingInputKey) Is(target error) bool {
	return target == ErrMissingInputKey
}

// ShapeMismatch is returned by tensor operations whose operands have
// incompatible shapes. It is never translated by the models.
type ShapeMismatch struct {
	Op     string
	Shapes [][]int
}

func (e *ShapeMismatch) Error() string {
	strs := make([]string, len(e.Shapes))
	for i, s := range e.Shapes {
		strs[i] = fmt.Sprint(s)
	}
	return fmt.Sprintf("occant: shape mismatch in %s: %s", e.Op, strings.Join(strs, ", "))
}

func (e *ShapeMismatch) Is(target error) bool {
	return target == ErrShapeMismatch
}

// CheckpointKeyMismatch is returned when a state dict cannot be applied to a
// model. Missing are model keys without a value, Unexpected are state keys
// the model does not have, and Shape lists keys present in both with
// different shapes. The lists are sorted by whoever builds the error.
type CheckpointKeyMismatch struct {
	Missing    []string
	Unexpected []string
	Shape      []string
}

func (e *CheckpointKeyMismatch) Error() string {
	if len(e.Missing) == 0 && len(e.Unexpected) == 0 && len(e.Shape) == 0 {
		return "occant: checkpoint key mismatch: no parameters survived filtering"
	}
	return fmt.Sprintf("occant: checkpoint key mismatch. missing: %v, unexpected: %v, shape: %v",
		truncate(e.Missing), truncate(e.Unexpected), truncate(e.Shape))
}

func (e *CheckpointKeyMismatch) Is(target error) bool {
	return target == ErrCheckpointKeyMismatch
}

const maxListedKeys = 8

func truncate(keys []string) []string {
	if len(keys) <= maxListedKeys {
		return keys
	}
	out := append([]string(nil), keys[:maxListedKeys]...)
	return append(out, fmt.Sprintf("... (%d more)", len(keys)-maxListedKeys))
}
