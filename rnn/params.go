package rnn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/openfluke/recur/tensor"
)

// Params holds the weights of one direction of one layer.
// Gate blocks are stacked along the first axis: i, f, g, o for LSTM and r, z, n for GRU.
type Params struct {
	Mode       Mode
	InputSize  int
	HiddenSize int
	ProjSize   int

	WeightIH *tensor.Tensor // [gates*hidden, input]
	WeightHH *tensor.Tensor // [gates*hidden, out]
	BiasIH   *tensor.Tensor // [gates*hidden], nil without bias
	BiasHH   *tensor.Tensor // [gates*hidden], nil without bias
	WeightHR *tensor.Tensor // [proj, hidden], nil unless projecting
}

// OutSize is the size of h_t produced by this direction
func (p *Params) OutSize() int {
	if p.ProjSize > 0 {
		return p.ProjSize
	}
	return p.HiddenSize
}

// newParams draws every weight from U(-1/sqrt(hidden), 1/sqrt(hidden))
func newParams(mode Mode, inputSize, hiddenSize, projSize int, bias bool, rng *rand.Rand) *Params {
	g := mode.Gates() * hiddenSize
	p := &Params{Mode: mode, InputSize: inputSize, HiddenSize: hiddenSize, ProjSize: projSize}
	out := p.OutSize()
	k := 1.0 / math.Sqrt(float64(hiddenSize))

	p.WeightIH = tensor.Uniform(rng, -k, k, g, inputSize)
	p.WeightHH = tensor.Uniform(rng, -k, k, g, out)
	if bias {
		p.BiasIH = tensor.Uniform(rng, -k, k, g)
		p.BiasHH = tensor.Uniform(rng, -k, k, g)
	}
	if projSize > 0 {
		p.WeightHR = tensor.Uniform(rng, -k, k, projSize, hiddenSize)
	}
	return p
}

// named lists the parameters under their state dict names with the given suffix
func (p *Params) named(suffix string) map[string]*tensor.Tensor {
	m := map[string]*tensor.Tensor{
		"weight_ih" + suffix: p.WeightIH,
		"weight_hh" + suffix: p.WeightHH,
	}
	if p.BiasIH != nil {
		m["bias_ih"+suffix] = p.BiasIH
		m["bias_hh"+suffix] = p.BiasHH
	}
	if p.WeightHR != nil {
		m["weight_hr"+suffix] = p.WeightHR
	}
	return m
}

// count returns the number of scalar parameters
func (p *Params) count() int {
	n := 0
	for _, t := range p.named("") {
		n += t.Size()
	}
	return n
}

// paramSuffix is "_l{layer}" plus "_reverse" for the backward direction
func paramSuffix(layer int, dir Direction) string {
	s := fmt.Sprintf("_l%d", layer)
	if dir == Backward {
		s += "_reverse"
	}
	return s
}
