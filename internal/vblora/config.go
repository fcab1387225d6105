package vblora

import (
	"fmt"
	"os"
	"sort"

	json "github.com/goccy/go-json"
)

// Config mirrors the on-disk adapter configuration (adapter_config.json).
// Field names follow the checkpoint format so configs written by other
// implementations load unchanged.
type Config struct {
	R            int `json:"r"`
	NumVectors   int `json:"num_vectors"`
	VectorLength int `json:"vector_length"`
	TopK         int `json:"topk"`

	TargetModules     []string `json:"target_modules,omitempty"`
	SaveTopKLogits    bool     `json:"save_topk_logits"`
	Dropout           float64  `json:"vblora_dropout"`
	FanInFanOut       bool     `json:"fan_in_fan_out"`
	Bias              string   `json:"bias"`
	ModulesToSave     []string `json:"modules_to_save,omitempty"`
	InitWeights       bool     `json:"init_weights"`
	LayersToTransform []int    `json:"layers_to_transform,omitempty"`
	LayersPattern     string   `json:"layers_pattern,omitempty"`
}

// DefaultConfig returns the reference defaults.
func DefaultConfig() Config {
	return Config{
		R:            256,
		NumVectors:   256,
		VectorLength: 256,
		TopK:         2,
		Bias:         "none",
		InitWeights:  true,
	}
}

// Normalize finalises the configuration: target_modules becomes a sorted,
// deduplicated set, so the order a caller listed them in is irrelevant.
func (c *Config) Normalize() {
	if len(c.TargetModules) == 0 {
		return
	}
	sort.Strings(c.TargetModules)
	out := c.TargetModules[:1]
	for _, m := range c.TargetModules[1:] {
		if m != out[len(out)-1] {
			out = append(out, m)
		}
	}
	c.TargetModules = out
}

// Validate checks the selection parameters eagerly so misconfiguration
// surfaces at attach time instead of inside a forward pass.
func (c *Config) Validate() error {
	switch {
	case c.R <= 0:
		return fmt.Errorf("%w: r %d must be a positive integer", ErrInvalidConfig, c.R)
	case c.NumVectors <= 0:
		return fmt.Errorf("%w: num_vectors %d must be a positive integer", ErrInvalidConfig, c.NumVectors)
	case c.VectorLength <= 0:
		return fmt.Errorf("%w: vector_length %d must be a positive integer", ErrInvalidConfig, c.VectorLength)
	case c.TopK <= 0:
		return fmt.Errorf("%w: topk %d must be a positive integer", ErrInvalidConfig, c.TopK)
	case c.TopK > c.NumVectors:
		return fmt.Errorf("%w: topk %d exceeds num_vectors %d", ErrInvalidConfig, c.TopK, c.NumVectors)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: vblora_dropout %g must be in [0,1)", ErrInvalidConfig, c.Dropout)
	}
	switch c.Bias {
	case "", "none", "all", "vblora_only":
	default:
		return fmt.Errorf("%w: bias %q must be one of none, all, vblora_only", ErrInvalidConfig, c.Bias)
	}
	return nil
}

// LoadConfig reads an adapter configuration file. Absent fields keep their
// defaults; the result is normalized and validated.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse adapter config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
