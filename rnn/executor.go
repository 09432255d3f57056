package rnn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/openfluke/recur/tensor"
)

// DirectionJob is one direction of one layer, unrolled over the whole sequence
type DirectionJob struct {
	Params  *Params
	Input   *tensor.Tensor // [seq, batch, input], time-major
	Lengths []int          // valid steps per sequence; nil means every sequence spans seq
	Reverse bool           // walk each sequence from its last valid step back to 0
	H0      *tensor.Tensor // [batch, out]
	C0      *tensor.Tensor // [batch, hidden], LSTM only

	// Filled in by the executor
	Output *tensor.Tensor // [seq, batch, out]; steps past a sequence's length stay zero
	HN     *tensor.Tensor // [batch, out]
	CN     *tensor.Tensor // [batch, hidden], LSTM only
}

// Executor runs direction jobs. Implementations must be safe for concurrent use because
// both directions of a layer are submitted at once.
type Executor interface {
	RunDirection(job *DirectionJob) error
}

// CPUExecutor runs directions on the host with gonum matrix products
type CPUExecutor struct{}

// timeIndex maps a loop step to the sequence position consumed by batch row b, or -1 once the
// row has run out of valid steps
func (j *DirectionJob) timeIndex(step, b int) int {
	n := j.Input.Dim(0)
	if j.Lengths != nil {
		n = j.Lengths[b]
	}
	if step >= n {
		return -1
	}
	if j.Reverse {
		return n - 1 - step
	}
	return step
}

// RunDirection unrolls the cell over time
func (CPUExecutor) RunDirection(job *DirectionJob) error {
	p := job.Params
	seqLen, batch := job.Input.Dim(0), job.Input.Dim(1)
	inSize, outSize, hs := p.InputSize, p.OutSize(), p.HiddenSize
	if job.Input.Dim(2) != inSize {
		return fmt.Errorf("%w: direction input has %d features, weights expect %d", ErrShape, job.Input.Dim(2), inSize)
	}

	h := mat.NewDense(batch, outSize, nil)
	copy(h.RawMatrix().Data, job.H0.Data)
	var c *mat.Dense
	if p.Mode == LSTM {
		c = mat.NewDense(batch, hs, nil)
		copy(c.RawMatrix().Data, job.C0.Data)
	}

	out := tensor.New(seqLen, batch, outSize)
	x := mat.NewDense(batch, inSize, nil)
	ts := make([]int, batch)

	for step := 0; step < seqLen; step++ {
		active := false
		for b := 0; b < batch; b++ {
			ts[b] = job.timeIndex(step, b)
			row := x.RawRowView(b)
			if ts[b] < 0 {
				for i := range row {
					row[i] = 0
				}
				continue
			}
			active = true
			off := (ts[b]*batch + b) * inSize
			copy(row, job.Input.Data[off:off+inSize])
		}
		if !active {
			break
		}

		var hNew, cNew *mat.Dense
		if p.Mode == LSTM {
			hNew, cNew = p.lstmStep(x, h, c)
		} else {
			hNew = p.gruStep(x, h)
		}

		// Only rows that consumed a real step advance their state
		for b := 0; b < batch; b++ {
			if ts[b] < 0 {
				continue
			}
			copy(h.RawRowView(b), hNew.RawRowView(b))
			if c != nil {
				copy(c.RawRowView(b), cNew.RawRowView(b))
			}
			off := (ts[b]*batch + b) * outSize
			copy(out.Data[off:off+outSize], hNew.RawRowView(b))
		}
	}

	job.Output = out
	job.HN = tensor.FromDense(h)
	if c != nil {
		job.CN = tensor.FromDense(c)
	}
	return nil
}
