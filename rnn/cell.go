package rnn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/recur/tensor"
)

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func addRowBias(m *mat.Dense, bias []float64) {
	rows, _ := m.Dims()
	for r := 0; r < rows; r++ {
		row := m.RawRowView(r)
		for j := range row {
			row[j] += bias[j]
		}
	}
}

// gatePreactivations returns x·W_ihᵀ + b_ih and h·W_hhᵀ + b_hh, both [batch, gates*hidden].
// They are kept apart because the GRU candidate gate scales only the recurrent half.
func (p *Params) gatePreactivations(x, h *mat.Dense) (*mat.Dense, *mat.Dense) {
	var gi, gh mat.Dense
	gi.Mul(x, p.WeightIH.Matrix().T())
	gh.Mul(h, p.WeightHH.Matrix().T())
	if p.BiasIH != nil {
		addRowBias(&gi, p.BiasIH.Data)
		addRowBias(&gh, p.BiasHH.Data)
	}
	return &gi, &gh
}

// lstmStep advances one step for a batch.
// x is [batch, input], h is [batch, out], c is [batch, hidden].
func (p *Params) lstmStep(x, h, c *mat.Dense) (*mat.Dense, *mat.Dense) {
	batch, _ := x.Dims()
	hs := p.HiddenSize
	gi, gh := p.gatePreactivations(x, h)

	cNew := mat.NewDense(batch, hs, nil)
	hNew := mat.NewDense(batch, hs, nil)
	for b := 0; b < batch; b++ {
		giRow, ghRow := gi.RawRowView(b), gh.RawRowView(b)
		cRow := c.RawRowView(b)
		cOut, hOut := cNew.RawRowView(b), hNew.RawRowView(b)
		for j := 0; j < hs; j++ {
			i := sigmoid(giRow[j] + ghRow[j])
			f := sigmoid(giRow[hs+j] + ghRow[hs+j])
			g := math.Tanh(giRow[2*hs+j] + ghRow[2*hs+j])
			o := sigmoid(giRow[3*hs+j] + ghRow[3*hs+j])

			// c_t = f ⊙ c_{t-1} + i ⊙ g ; h_t = o ⊙ tanh(c_t)
			cOut[j] = f*cRow[j] + i*g
			hOut[j] = o * math.Tanh(cOut[j])
		}
	}

	if p.WeightHR != nil {
		var proj mat.Dense
		proj.Mul(hNew, p.WeightHR.Matrix().T())
		return &proj, cNew
	}
	return hNew, cNew
}

// gruStep advances one step for a batch. x is [batch, input], h is [batch, hidden].
func (p *Params) gruStep(x, h *mat.Dense) *mat.Dense {
	batch, _ := x.Dims()
	hs := p.HiddenSize
	gi, gh := p.gatePreactivations(x, h)

	hNew := mat.NewDense(batch, hs, nil)
	for b := 0; b < batch; b++ {
		giRow, ghRow := gi.RawRowView(b), gh.RawRowView(b)
		hRow, hOut := h.RawRowView(b), hNew.RawRowView(b)
		for j := 0; j < hs; j++ {
			r := sigmoid(giRow[j] + ghRow[j])
			z := sigmoid(giRow[hs+j] + ghRow[hs+j])
			n := math.Tanh(giRow[2*hs+j] + r*ghRow[2*hs+j])
			hOut[j] = (1-z)*n + z*hRow[j]
		}
	}
	return hNew
}

func checkCellInput(p *Params, x *tensor.Tensor) (int, error) {
	if x.Dims() != 2 || x.Dim(1) != p.InputSize {
		return 0, fmt.Errorf("%w: cell input must be [batch, %d], got %v", ErrShape, p.InputSize, x.Shape)
	}
	if x.Dim(0) == 0 {
		return 0, fmt.Errorf("%w: empty batch", ErrShape)
	}
	return x.Dim(0), nil
}

func stateOrZeros(t *tensor.Tensor, batch, size int, name string) (*tensor.Tensor, error) {
	if t == nil {
		return tensor.New(batch, size), nil
	}
	if t.Dims() != 2 || t.Dim(0) != batch || t.Dim(1) != size {
		return nil, fmt.Errorf("%w: %s must be [%d, %d], got %v", ErrShape, name, batch, size, t.Shape)
	}
	return t, nil
}

// LSTMCell runs a single LSTM step outside of a layer stack
type LSTMCell struct {
	Params *Params
}

// NewLSTMCell creates an LSTM cell with uniformly initialised weights
func NewLSTMCell(inputSize, hiddenSize int, bias bool, rng *rand.Rand) (*LSTMCell, error) {
	cfg := NewConfig(LSTM, inputSize, hiddenSize)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LSTMCell{Params: newParams(LSTM, inputSize, hiddenSize, 0, bias, rng)}, nil
}

// Forward computes (h', c') from x [batch, input]. Nil h or c start from zeros.
func (c *LSTMCell) Forward(x, h, cell *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	batch, err := checkCellInput(c.Params, x)
	if err != nil {
		return nil, nil, err
	}
	if h, err = stateOrZeros(h, batch, c.Params.OutSize(), "h"); err != nil {
		return nil, nil, err
	}
	if cell, err = stateOrZeros(cell, batch, c.Params.HiddenSize, "c"); err != nil {
		return nil, nil, err
	}
	hNew, cNew := c.Params.lstmStep(x.Matrix(), h.Matrix(), cell.Matrix())
	return tensor.FromDense(hNew), tensor.FromDense(cNew), nil
}

// StateDict returns the cell weights under weight_ih, weight_hh, bias_ih and bias_hh
func (c *LSTMCell) StateDict() map[string]*tensor.Tensor { return c.Params.named("") }

// GRUCell runs a single GRU step outside of a layer stack
type GRUCell struct {
	Params *Params
}

// NewGRUCell creates a GRU cell with uniformly initialised weights
func NewGRUCell(inputSize, hiddenSize int, bias bool, rng *rand.Rand) (*GRUCell, error) {
	cfg := NewConfig(GRU, inputSize, hiddenSize)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &GRUCell{Params: newParams(GRU, inputSize, hiddenSize, 0, bias, rng)}, nil
}

// Forward computes h' from x [batch, input]. A nil h starts from zeros.
func (c *GRUCell) Forward(x, h *tensor.Tensor) (*tensor.Tensor, error) {
	batch, err := checkCellInput(c.Params, x)
	if err != nil {
		return nil, err
	}
	if h, err = stateOrZeros(h, batch, c.Params.HiddenSize, "h"); err != nil {
		return nil, err
	}
	return tensor.FromDense(c.Params.gruStep(x.Matrix(), h.Matrix())), nil
}

// StateDict returns the cell weights under weight_ih, weight_hh, bias_ih and bias_hh
func (c *GRUCell) StateDict() map[string]*tensor.Tensor { return c.Params.named("") }
