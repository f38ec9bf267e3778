// Package checkpoint reads and writes model checkpoints. A checkpoint maps
// top-level keys ("model_state_dict", "mapper_state_dict", "state_dict")
// to state dicts. Files are gob encoded and zstd compressed; uncompressed
// gob files are accepted when reading.
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/occant/occant/common"
	"github.com/occant/occant/nnet"
	"github.com/occant/occant/tensor"
)

// Well-known top-level keys. Pretrained backbone files are keyed by trunk
// type ("resnet18", "resnet50") instead.
const (
	ModelKey  = "model_state_dict"
	MapperKey = "mapper_state_dict"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// File is the content of a checkpoint.
type File map[string]nnet.StateDict

// Get returns the state dict stored under key. A missing key is reported as
// a *common.CheckpointKeyMismatch naming it.
func (f File) Get(key string) (nnet.StateDict, error) {
	sd, ok := f[key]
	if !ok {
		return nil, &common.CheckpointKeyMismatch{Missing: []string{key}}
	}
	return sd, nil
}

type record struct {
	Shape []int
	Data  []float64
}

// Write encodes f to w, compressed.
func Write(w io.Writer, f File) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	raw := make(map[string]map[string]record, len(f))
	for key, sd := range f {
		m := make(map[string]record, len(sd))
		for name, t := range sd {
			m[name] = record{Shape: t.Shape(), Data: t.Data}
		}
		raw[key] = m
	}
	if err := gob.NewEncoder(enc).Encode(raw); err != nil {
		enc.Close()
		return fmt.Errorf("checkpoint: encode: %w", err)
	}
	return enc.Close()
}

// Open decodes a checkpoint from r.
func Open(r io.Reader) (File, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		src = dec
	}
	var raw map[string]map[string]record
	if err := gob.NewDecoder(src).Decode(&raw); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	f := make(File, len(raw))
	for key, m := range raw {
		sd := make(nnet.StateDict, len(m))
		for name, rec := range m {
			if n, ok := numel(rec.Shape); !ok || n != len(rec.Data) {
				return nil, &common.ShapeMismatch{Op: "checkpoint " + key + "/" + name, Shapes: [][]int{rec.Shape, {len(rec.Data)}}}
			}
			sd[name] = tensor.New(rec.Shape, rec.Data)
		}
		f[key] = sd
	}
	return f, nil
}

// numel returns the element count of shape. ok is false when a dimension is
// negative or the product overflows int.
func numel(shape []int) (n int, ok bool) {
	n = 1
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d != 0 && n > math.MaxInt/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// Load reads the checkpoint at path.
func Load(path string) (File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return Open(fd)
}

// Save writes f to path, replacing any existing file.
func Save(path string, f File) error {
	fd, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(fd, f); err != nil {
		fd.Close()
		return err
	}
	return fd.Close()
}
