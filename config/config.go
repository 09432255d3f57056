// Package config holds the JSON run configuration shared by the recur commands.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/openfluke/recur/rnn"
)

// Backends accepted in Config.Backend
const (
	BackendCPU = "cpu"
	BackendGPU = "gpu"
)

// Environment overrides applied by Load and FromEnv
const (
	EnvBackend = "RECUR_BACKEND"
	EnvSeed    = "RECUR_SEED"
)

// Config describes one model and the random input fed to it
type Config struct {
	Mode          string  `json:"mode"` // "lstm" or "gru"
	InputSize     int     `json:"input_size"`
	HiddenSize    int     `json:"hidden_size"`
	NumLayers     int     `json:"num_layers"`
	Bidirectional bool    `json:"bidirectional"`
	BatchFirst    bool    `json:"batch_first"`
	NoBias        bool    `json:"no_bias,omitempty"`
	Dropout       float64 `json:"dropout"`
	Training      bool    `json:"training"` // enables dropout between layers
	ProjSize      int     `json:"proj_size"`

	SeqLen    int   `json:"seq_len"`
	BatchSize int   `json:"batch_size"`
	Lengths   []int `json:"lengths,omitempty"` // per-sequence lengths for a packed run
	Seed      int64 `json:"seed"`

	Backend string `json:"backend"`           // "cpu" or "gpu"
	Weights string `json:"weights,omitempty"` // safetensors file loaded before running
}

// Default returns the two-layer bidirectional setup with input 10, hidden 20, 5 steps and
// a batch of 3
func Default(mode string) *Config {
	return &Config{
		Mode:          strings.ToLower(mode),
		InputSize:     10,
		HiddenSize:    20,
		NumLayers:     2,
		Bidirectional: true,
		SeqLen:        5,
		BatchSize:     3,
		Backend:       BackendCPU,
	}
}

// Load reads path over the LSTM defaults, then applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default("lstm")
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.FromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv applies RECUR_BACKEND and RECUR_SEED when set
func (c *Config) FromEnv() error {
	if v := os.Getenv(EnvBackend); v != "" {
		c.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvSeed); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", rnn.ErrInvalidConfig, EnvSeed, v)
		}
		c.Seed = seed
	}
	return nil
}

// Validate checks the run fields and the model config
func (c *Config) Validate() error {
	if c.SeqLen <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("%w: seq_len and batch_size must be positive, got %d and %d", rnn.ErrInvalidConfig, c.SeqLen, c.BatchSize)
	}
	if c.Backend != BackendCPU && c.Backend != BackendGPU {
		return fmt.Errorf("%w: unknown backend %q", rnn.ErrInvalidConfig, c.Backend)
	}
	if c.Lengths != nil {
		if len(c.Lengths) != c.BatchSize {
			return fmt.Errorf("%w: %d lengths for batch_size %d", rnn.ErrInvalidConfig, len(c.Lengths), c.BatchSize)
		}
		for _, n := range c.Lengths {
			if n < 1 || n > c.SeqLen {
				return fmt.Errorf("%w: length %d outside [1, %d]", rnn.ErrInvalidConfig, n, c.SeqLen)
			}
		}
	}
	mc, err := c.ModelConfig()
	if err != nil {
		return err
	}
	return mc.Validate()
}

// ModelConfig converts to rnn.Config
func (c *Config) ModelConfig() (rnn.Config, error) {
	mode, err := rnn.ParseMode(c.Mode)
	if err != nil {
		return rnn.Config{}, err
	}
	mc := rnn.NewConfig(mode, c.InputSize, c.HiddenSize)
	mc.NumLayers = c.NumLayers
	mc.Bidirectional = c.Bidirectional
	mc.BatchFirst = c.BatchFirst
	mc.Bias = !c.NoBias
	mc.Dropout = c.Dropout
	mc.ProjSize = c.ProjSize
	return mc, nil
}

// InputShape is the shape of x for this run
func (c *Config) InputShape() []int {
	if c.BatchFirst {
		return []int{c.BatchSize, c.SeqLen, c.InputSize}
	}
	return []int{c.SeqLen, c.BatchSize, c.InputSize}
}

// Save writes the config as indented JSON
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
