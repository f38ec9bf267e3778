// Package config holds the occupancy anticipator configuration and its YAML
// representation. Keys mirror the mapper's configuration tree.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/occant/occant/common"
	"github.com/occant/occant/nnet"
)

// Config selects and sizes an anticipation model. It is a plain value:
// consumers copy it and never write back.
type Config struct {
	// Type is the model tag, e.g. "occant_rgb".
	Type string `yaml:"type"`
	// RGBKey overrides the observation key read by the RGB branch. Empty
	// means the key implied by Type.
	RGBKey         string         `yaml:"rgb_key,omitempty"`
	GPAnticipation GPAnticipation `yaml:"GP_ANTICIPATION"`
	CrossView      CrossView      `yaml:"CROSSVIEW"`
}

type OutputNormalization struct {
	Channel0 string `yaml:"channel_0"`
	Channel1 string `yaml:"channel_1"`
}

// Names returns the per-channel activation names in channel order.
func (o OutputNormalization) Names() []string {
	return []string{o.Channel0, o.Channel1}
}

type GPAnticipation struct {
	OutputNormalization OutputNormalization `yaml:"OUTPUT_NORMALIZATION"`

	UNetNSF  int `yaml:"unet_nsf"`
	NClasses int `yaml:"nclasses"`
	// ResNetType is the trunk of the RGB feature extractor.
	ResNetType string `yaml:"resnet_type"`

	PretrainedDepthProjModel string `yaml:"pretrained_depth_proj_model"`
	PretrainedBackbone       string `yaml:"pretrained_backbone"`

	FreezeFeatures       bool `yaml:"freeze_features"`
	FreezeDepthProjModel bool `yaml:"freeze_depth_proj_model"`
	DetachDepthProj      bool `yaml:"detach_depth_proj"`

	// Seed initializes the random weights.
	Seed int64 `yaml:"seed"`
}

type CrossView struct {
	ResNetType string `yaml:"resnet_type"`
	DModel     int    `yaml:"d_model"`
	BEVSize    int    `yaml:"bev_size"`
}

// Default returns the configuration used when a key is not set.
func Default() Config {
	return Config{
		Type: "occant_depth",
		GPAnticipation: GPAnticipation{
			OutputNormalization: OutputNormalization{Channel0: "sigmoid", Channel1: "sigmoid"},
			UNetNSF:             16,
			NClasses:            2,
			ResNetType:          "resnet50",
			Seed:                1,
		},
		CrossView: CrossView{
			ResNetType: "resnet18",
			DModel:     64,
			BEVSize:    128,
		},
	}
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the YAML file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Validate reports the first invalid field as a
// *common.InvalidConfiguration. The model tag is checked when the model is
// built.
func (c Config) Validate() error {
	gp := c.GPAnticipation
	switch {
	case c.Type == "":
		return &common.InvalidConfiguration{Field: "type", Value: c.Type}
	case gp.UNetNSF < 1:
		return &common.InvalidConfiguration{Field: "GP_ANTICIPATION.unet_nsf", Value: fmt.Sprint(gp.UNetNSF)}
	case gp.NClasses < 1:
		return &common.InvalidConfiguration{Field: "GP_ANTICIPATION.nclasses", Value: fmt.Sprint(gp.NClasses)}
	case c.CrossView.DModel < 2:
		return &common.InvalidConfiguration{Field: "CROSSVIEW.d_model", Value: fmt.Sprint(c.CrossView.DModel)}
	case c.CrossView.BEVSize < 1:
		return &common.InvalidConfiguration{Field: "CROSSVIEW.bev_size", Value: fmt.Sprint(c.CrossView.BEVSize)}
	}
	if _, err := nnet.NewNormalizer(gp.OutputNormalization.Names()...); err != nil {
		return err
	}
	return nil
}

// Marshal encodes c as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
