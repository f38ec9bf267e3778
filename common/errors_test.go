package common

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorsMatchSentinels(t *testing.T) {
	for _, test := range []struct {
		Name     string
		Err      error
		Sentinel error
		Contains string
	}{
		{
			Name:     "InvalidConfiguration",
			Err:      &InvalidConfiguration{Field: "type", Value: "occant_lidar"},
			Sentinel: ErrInvalidConfiguration,
			Contains: `type = "occant_lidar"`,
		},
		{
			Name:     "MissingInputKey",
			Err:      &MissingInputKey{Key: "rgb_large"},
			Sentinel: ErrMissingInputKey,
			Contains: `"rgb_large"`,
		},
		{
			Name:     "ShapeMismatch",
			Err:      &ShapeMismatch{Op: "concat", Shapes: [][]int{{1, 2, 4, 4}, {1, 2, 3, 3}}},
			Sentinel: ErrShapeMismatch,
			Contains: "concat: [1 2 4 4], [1 2 3 3]",
		},
		{
			Name:     "CheckpointKeyMismatch",
			Err:      &CheckpointKeyMismatch{Missing: []string{"main.0.weight"}},
			Sentinel: ErrCheckpointKeyMismatch,
			Contains: "missing: [main.0.weight]",
		},
		{
			Name:     "EmptyCheckpointKeyMismatch",
			Err:      &CheckpointKeyMismatch{},
			Sentinel: ErrCheckpointKeyMismatch,
			Contains: "no parameters survived filtering",
		},
	} {
		if !errors.Is(test.Err, test.Sentinel) {
			t.Errorf("%v: does not match its sentinel", test.Name)
		}
		wrapped := fmt.Errorf("load: %w", test.Err)
		if !errors.Is(wrapped, test.Sentinel) {
			t.Errorf("%v: wrapped error does not match its sentinel", test.Name)
		}
		if !strings.Contains(test.Err.Error(), test.Contains) {
			t.Errorf("%v: message %q does not contain %q", test.Name, test.Err.Error(), test.Contains)
		}
		for _, other := range []error{ErrInvalidConfiguration, ErrMissingInputKey, ErrShapeMismatch, ErrCheckpointKeyMismatch} {
			if other != test.Sentinel && errors.Is(test.Err, other) {
				t.Errorf("%v: matches %v", test.Name, other)
			}
		}
	}
}

func TestCheckpointKeyMismatchTruncates(t *testing.T) {
	keys := make([]string, maxListedKeys+3)
	for i := range keys {
		keys[i] = fmt.Sprintf("k%d", i)
	}
	msg := (&CheckpointKeyMismatch{Unexpected: keys}).Error()
	if !strings.Contains(msg, "... (3 more)") {
		t.Errorf("Long key list not truncated: %v", msg)
	}
	if strings.Contains(msg, fmt.Sprintf("k%d", maxListedKeys)) {
		t.Errorf("Truncated key listed: %v", msg)
	}
}
