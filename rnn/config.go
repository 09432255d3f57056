package rnn

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfig is returned by Config.Validate and New
	ErrInvalidConfig = errors.New("rnn: invalid config")
	// ErrShape is returned when an input, state or parameter has the wrong shape
	ErrShape = errors.New("rnn: shape mismatch")
)

// Mode selects the recurrent cell
type Mode int

const (
	LSTM Mode = 0 // gates i, f, g, o; carries hidden and cell state
	GRU  Mode = 1 // gates r, z, n; carries hidden state only
)

func (m Mode) String() string {
	switch m {
	case LSTM:
		return "LSTM"
	case GRU:
		return "GRU"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Gates returns the number of stacked gate blocks in the weight matrices
func (m Mode) Gates() int {
	if m == LSTM {
		return 4
	}
	return 3
}

// ParseMode accepts "lstm" or "gru" in any case
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lstm":
		return LSTM, nil
	case "gru":
		return GRU, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s)
}

// Direction identifies one half of a bidirectional layer
type Direction int

const (
	Forward  Direction = 0 // consumes steps 0..T-1
	Backward Direction = 1 // consumes steps T-1..0
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// Config describes a stack of recurrent layers
type Config struct {
	Mode          Mode
	InputSize     int     // features per step fed to layer 0
	HiddenSize    int     // hidden (and cell) state size
	NumLayers     int     // stacked layers, each consuming the previous layer's output
	Bias          bool    // add bias_ih and bias_hh
	BatchFirst    bool    // input/output are [batch, seq, feature] instead of [seq, batch, feature]
	Dropout       float64 // dropout on the outputs of every layer except the last, training only
	Bidirectional bool
	ProjSize      int // LSTM only: project h_t to this size (0 disables)
}

// NewConfig returns a single-layer config with bias enabled
func NewConfig(mode Mode, inputSize, hiddenSize int) Config {
	return Config{
		Mode:       mode,
		InputSize:  inputSize,
		HiddenSize: hiddenSize,
		NumLayers:  1,
		Bias:       true,
	}
}

// Validate checks sizes and option combinations
func (c Config) Validate() error {
	switch {
	case c.Mode != LSTM && c.Mode != GRU:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidConfig, int(c.Mode))
	case c.InputSize <= 0:
		return fmt.Errorf("%w: input size must be positive, got %d", ErrInvalidConfig, c.InputSize)
	case c.HiddenSize <= 0:
		return fmt.Errorf("%w: hidden size must be positive, got %d", ErrInvalidConfig, c.HiddenSize)
	case c.NumLayers <= 0:
		return fmt.Errorf("%w: num layers must be positive, got %d", ErrInvalidConfig, c.NumLayers)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("%w: dropout must be in [0, 1), got %g", ErrInvalidConfig, c.Dropout)
	case c.ProjSize < 0:
		return fmt.Errorf("%w: proj size must not be negative, got %d", ErrInvalidConfig, c.ProjSize)
	case c.ProjSize > 0 && c.Mode != LSTM:
		return fmt.Errorf("%w: proj size is only supported by LSTM", ErrInvalidConfig)
	case c.ProjSize >= c.HiddenSize && c.ProjSize > 0:
		return fmt.Errorf("%w: proj size %d must be smaller than hidden size %d", ErrInvalidConfig, c.ProjSize, c.HiddenSize)
	}
	return nil
}

// NumDirections is 2 for bidirectional stacks and 1 otherwise
func (c Config) NumDirections() int {
	if c.Bidirectional {
		return 2
	}
	return 1
}

// OutSize is the per-direction size of h_t: ProjSize when projecting, else HiddenSize
func (c Config) OutSize() int {
	if c.ProjSize > 0 {
		return c.ProjSize
	}
	return c.HiddenSize
}

// layerInputSize is the feature size consumed by layer l
func (c Config) layerInputSize(l int) int {
	if l == 0 {
		return c.InputSize
	}
	return c.NumDirections() * c.OutSize()
}
