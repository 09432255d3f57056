package rnn

import (
	"fmt"
	"strconv"

	"github.com/openfluke/recur/safetensors"
)

// SaveFile writes the state dict to a safetensors file with the given dtype ("F32" or "F64").
// The config is recorded in the metadata so a reader can rebuild the stack.
func (r *RNN) SaveFile(path, dtype string) error {
	meta := map[string]string{
		"format":        "pt",
		"mode":          r.Mode.String(),
		"input_size":    strconv.Itoa(r.InputSize),
		"hidden_size":   strconv.Itoa(r.HiddenSize),
		"num_layers":    strconv.Itoa(r.NumLayers),
		"bidirectional": strconv.FormatBool(r.Bidirectional),
		"proj_size":     strconv.Itoa(r.ProjSize),
	}
	if err := safetensors.Save(path, r.StateDict(), dtype, meta); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// LoadFile reads weights saved by SaveFile or exported from another framework under the same
// weight_ih_l{k}[_reverse] naming
func (r *RNN) LoadFile(path string, strict bool) error {
	m, err := safetensors.Load(path)
	if err != nil {
		return err
	}
	if err := r.LoadStateDict(m, strict); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
