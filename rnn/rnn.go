// Package rnn implements multi-layer, optionally bidirectional LSTM and GRU layers.
//
// Tensors are time-major by default:
//   - input:  [seq, batch, input]    ([batch, seq, input] with BatchFirst)
//   - output: [seq, batch, D*out]    ([batch, seq, D*out] with BatchFirst)
//   - h_n:    [layers*D, batch, out]
//   - c_n:    [layers*D, batch, hidden] (LSTM only)
//
// D is 2 for bidirectional stacks. The output feature axis is [forward | backward], and
// h_n row layer*D+dir holds the final state of that layer and direction. The backward
// direction reads the sequence from the end, so its final state lines up with output step 0
// while the forward final state lines up with the last step.
//
// Example usage:
//
//	cfg := rnn.NewConfig(rnn.LSTM, 10, 20)
//	cfg.NumLayers = 2
//	cfg.Bidirectional = true
//	model, _ := rnn.New(cfg, rand.New(rand.NewSource(0)))
//
//	x := tensor.Randn(rng, 5, 3, 10)
//	res, _ := model.Forward(x, nil)
//	fmt.Println(res.Output.Shape, res.H.Shape, res.C.Shape) // [5 3 40] [4 3 20] [4 3 20]
package rnn

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/openfluke/recur/tensor"
)

// State carries h and, for LSTM, c between calls
type State struct {
	H *tensor.Tensor // [layers*D, batch, out]
	C *tensor.Tensor // [layers*D, batch, hidden]; nil for GRU
}

// Result is the outcome of a forward pass
type Result struct {
	Output *tensor.Tensor
	State
	Lengths []int // per-sequence valid steps for packed input, nil otherwise
}

// RNN is a stack of recurrent layers
type RNN struct {
	Config
	Layers   [][]*Params // [layer][direction]
	Training bool        // enables inter-layer dropout
	Executor Executor    // nil runs on the CPU

	rng *rand.Rand
}

// New validates cfg and creates a randomly initialised stack
func New(cfg Config, rng *rand.Rand) (*RNN, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}
	r := &RNN{Config: cfg, rng: rng}
	r.Layers = make([][]*Params, cfg.NumLayers)
	for l := range r.Layers {
		r.Layers[l] = make([]*Params, cfg.NumDirections())
		for d := range r.Layers[l] {
			r.Layers[l][d] = newParams(cfg.Mode, cfg.layerInputSize(l), cfg.HiddenSize, cfg.ProjSize, cfg.Bias, rng)
		}
	}
	return r, nil
}

// NewLSTM is shorthand for a biased LSTM stack
func NewLSTM(inputSize, hiddenSize, numLayers int, bidirectional bool, rng *rand.Rand) (*RNN, error) {
	cfg := NewConfig(LSTM, inputSize, hiddenSize)
	cfg.NumLayers = numLayers
	cfg.Bidirectional = bidirectional
	return New(cfg, rng)
}

// NewGRU is shorthand for a biased GRU stack
func NewGRU(inputSize, hiddenSize, numLayers int, bidirectional bool, rng *rand.Rand) (*RNN, error) {
	cfg := NewConfig(GRU, inputSize, hiddenSize)
	cfg.NumLayers = numLayers
	cfg.Bidirectional = bidirectional
	return New(cfg, rng)
}

// Forward runs the stack over x. A nil h0 starts every layer from zero state.
func (r *RNN) Forward(x *tensor.Tensor, h0 *State) (*Result, error) {
	return r.forward(x, nil, h0)
}

// ForwardPacked runs a batch of variable-length sequences padded to x's sequence length.
// lengths[b] is the number of valid steps of sequence b and may be in any order. Outputs past
// a sequence's length are zero and its final state is taken at its own last valid step.
func (r *RNN) ForwardPacked(x *tensor.Tensor, lengths []int, h0 *State) (*Result, error) {
	if lengths == nil {
		return nil, fmt.Errorf("%w: packed forward needs lengths", ErrShape)
	}
	return r.forward(x, lengths, h0)
}

func (r *RNN) forward(x *tensor.Tensor, lengths []int, h0 *State) (*Result, error) {
	if x == nil || x.Dims() != 3 {
		return nil, fmt.Errorf("%w: input must be 3-D", ErrShape)
	}
	if x.Dim(2) != r.InputSize {
		return nil, fmt.Errorf("%w: input has %d features, expected %d", ErrShape, x.Dim(2), r.InputSize)
	}
	if r.BatchFirst {
		x = x.Transpose(0, 1)
	}
	seqLen, batch := x.Dim(0), x.Dim(1)
	if seqLen == 0 || batch == 0 {
		return nil, fmt.Errorf("%w: empty input %v", ErrShape, x.Shape)
	}
	if lengths != nil {
		if err := checkLengths(lengths, seqLen, batch); err != nil {
			return nil, err
		}
		lengths = append([]int(nil), lengths...)
	}

	numDir, layers := r.NumDirections(), r.NumLayers
	out, hs := r.OutSize(), r.HiddenSize
	if err := r.checkState(h0, batch); err != nil {
		return nil, err
	}

	hn := tensor.New(layers*numDir, batch, out)
	var cn *tensor.Tensor
	if r.Mode == LSTM {
		cn = tensor.New(layers*numDir, batch, hs)
	}

	exec := r.Executor
	if exec == nil {
		exec = CPUExecutor{}
	}

	layerInput := x
	for l := 0; l < layers; l++ {
		jobs := make([]*DirectionJob, numDir)
		for d := 0; d < numDir; d++ {
			idx := l*numDir + d
			job := &DirectionJob{
				Params:  r.Layers[l][d],
				Input:   layerInput,
				Lengths: lengths,
				Reverse: Direction(d) == Backward,
				H0:      tensor.New(batch, out),
			}
			if h0 != nil {
				job.H0 = h0.H.Select(0, idx)
			}
			if r.Mode == LSTM {
				job.C0 = tensor.New(batch, hs)
				if h0 != nil {
					job.C0 = h0.C.Select(0, idx)
				}
			}
			jobs[d] = job
		}

		if err := runJobs(exec, jobs); err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}

		outs := make([]*tensor.Tensor, numDir)
		for d, job := range jobs {
			idx := l*numDir + d
			copy(hn.Data[idx*batch*out:(idx+1)*batch*out], job.HN.Data)
			if cn != nil {
				copy(cn.Data[idx*batch*hs:(idx+1)*batch*hs], job.CN.Data)
			}
			outs[d] = job.Output
		}

		layerOut := outs[0]
		if numDir > 1 {
			var err error
			if layerOut, err = tensor.Concat(2, outs...); err != nil {
				return nil, err
			}
		}
		if r.Training && r.Dropout > 0 && l < layers-1 {
			r.dropout(layerOut)
		}
		layerInput = layerOut
	}

	if r.BatchFirst {
		layerInput = layerInput.Transpose(0, 1)
	}
	return &Result{Output: layerInput, State: State{H: hn, C: cn}, Lengths: lengths}, nil
}

// runJobs submits every direction at once and returns the first error
func runJobs(exec Executor, jobs []*DirectionJob) error {
	if len(jobs) == 1 {
		return exec.RunDirection(jobs[0])
	}
	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job *DirectionJob) {
			defer wg.Done()
			errs[i] = exec.RunDirection(job)
		}(i, job)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("%s direction: %w", Direction(i), err)
		}
	}
	return nil
}

// dropout zeroes elements with probability Dropout and rescales survivors
func (r *RNN) dropout(t *tensor.Tensor) {
	keep := 1 - r.Dropout
	for i := range t.Data {
		if r.rng.Float64() < r.Dropout {
			t.Data[i] = 0
		} else {
			t.Data[i] /= keep
		}
	}
}

func checkLengths(lengths []int, seqLen, batch int) error {
	if len(lengths) != batch {
		return fmt.Errorf("%w: %d lengths for batch of %d", ErrShape, len(lengths), batch)
	}
	for b, n := range lengths {
		if n < 1 || n > seqLen {
			return fmt.Errorf("%w: length %d of sequence %d outside [1, %d]", ErrShape, n, b, seqLen)
		}
	}
	return nil
}

func (r *RNN) checkState(h0 *State, batch int) error {
	if h0 == nil {
		return nil
	}
	rows := r.NumLayers * r.NumDirections()
	check := func(t *tensor.Tensor, name string, size int) error {
		if t == nil || t.Dims() != 3 || t.Dim(0) != rows || t.Dim(1) != batch || t.Dim(2) != size {
			var shape []int
			if t != nil {
				shape = t.Shape
			}
			return fmt.Errorf("%w: %s must be [%d, %d, %d], got %v", ErrShape, name, rows, batch, size, shape)
		}
		return nil
	}
	if err := check(h0.H, "h0", r.OutSize()); err != nil {
		return err
	}
	if r.Mode == LSTM {
		return check(h0.C, "c0", r.HiddenSize)
	}
	return nil
}

// StateDict returns every parameter under weight_ih_l{k}[_reverse]-style names.
// The tensors are shared with the model.
func (r *RNN) StateDict() map[string]*tensor.Tensor {
	m := make(map[string]*tensor.Tensor)
	for l, dirs := range r.Layers {
		for d, p := range dirs {
			for name, t := range p.named(paramSuffix(l, Direction(d))) {
				m[name] = t
			}
		}
	}
	return m
}

// LoadStateDict copies matching tensors into the model. Shapes must agree exactly.
// In strict mode missing and unexpected names are errors. Every name is checked before
// anything is copied, so a failed load leaves the model unchanged.
func (r *RNN) LoadStateDict(m map[string]*tensor.Tensor, strict bool) error {
	own := r.StateDict()
	names := make([]string, 0, len(own))
	for name := range own {
		names = append(names, name)
	}
	sort.Strings(names)

	load := make([]string, 0, len(names))
	for _, name := range names {
		src, ok := m[name]
		if !ok {
			if strict {
				return fmt.Errorf("%w: missing parameter %s", ErrShape, name)
			}
			continue
		}
		if src == nil {
			return fmt.Errorf("%w: parameter %s is nil", ErrShape, name)
		}
		dst := own[name]
		if !src.SameShape(dst) {
			return fmt.Errorf("%w: parameter %s is %v, expected %v", ErrShape, name, src.Shape, dst.Shape)
		}
		load = append(load, name)
	}

	if strict {
		var extra []string
		for name := range m {
			if _, ok := own[name]; !ok {
				extra = append(extra, name)
			}
		}
		if len(extra) > 0 {
			sort.Strings(extra)
			return fmt.Errorf("%w: unexpected parameters %v", ErrShape, extra)
		}
	}

	for _, name := range load {
		copy(own[name].Data, m[name].Data)
	}
	return nil
}

// NumParameters returns the total number of scalar weights
func (r *RNN) NumParameters() int {
	n := 0
	for _, dirs := range r.Layers {
		for _, p := range dirs {
			n += p.count()
		}
	}
	return n
}
