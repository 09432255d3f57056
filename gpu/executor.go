package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/recur/detector"
	"github.com/openfluke/recur/rnn"
	"github.com/openfluke/recur/tensor"
)

// Executor runs recurrent directions on the GPU in float32.
// Jobs with projection, packed lengths or buffers beyond the adapter's limits go to Fallback.
type Executor struct {
	ctx      *Context
	Report   *detector.Report // adapter limits and budget; nil skips the size check
	mu       sync.Mutex // one submission at a time on the shared queue
	Fallback rnn.Executor
}

// NewExecutor initialises the GPU context. The error wraps ErrNoGPU when no adapter is usable.
func NewExecutor() (*Executor, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	return &Executor{ctx: c, Report: detector.Describe(c.Adapter), Fallback: rnn.CPUExecutor{}}, nil
}

// Supports reports whether the job runs on the GPU rather than the fallback
func (e *Executor) Supports(job *rnn.DirectionJob) bool {
	if job.Params.ProjSize != 0 || job.Lengths != nil {
		return false
	}
	if e.Report == nil {
		return true
	}
	p := job.Params
	return e.Report.Fits(p.Mode == rnn.LSTM, p.InputSize, p.HiddenSize, job.Input.Dim(0), job.Input.Dim(1))
}

// RunDirection implements rnn.Executor
func (e *Executor) RunDirection(job *rnn.DirectionJob) error {
	if !e.Supports(job) {
		if e.Fallback == nil {
			return fmt.Errorf("gpu executor cannot run this job and has no fallback")
		}
		return e.Fallback.RunDirection(job)
	}

	p := job.Params
	seqLen, batch := job.Input.Dim(0), job.Input.Dim(1)
	hs := p.HiddenSize
	if job.Input.Dim(2) != p.InputSize {
		return fmt.Errorf("%w: direction input has %d features, weights expect %d", rnn.ErrShape, job.Input.Dim(2), p.InputSize)
	}

	layer := &RecurrentLayer{Spec: RecurrentSpec{
		LSTM:       p.Mode == rnn.LSTM,
		InputSize:  p.InputSize,
		HiddenSize: hs,
		SeqLen:     seqLen,
		BatchSize:  batch,
		Reverse:    job.Reverse,
		WeightIH:   p.WeightIH.Float32(),
		WeightHH:   p.WeightHH.Float32(),
	}}
	if p.BiasIH != nil {
		layer.Spec.BiasIH = p.BiasIH.Float32()
		layer.Spec.BiasHH = p.BiasHH.Float32()
	}
	var c0 []float32
	if job.C0 != nil {
		c0 = job.C0.Float32()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer layer.Cleanup()

	label := fmt.Sprintf("Recur_%s", p.Mode)
	if err := layer.AllocateBuffers(e.ctx, label, job.Input.Float32(), job.H0.Float32(), c0); err != nil {
		return err
	}
	if err := layer.Compile(e.ctx, label); err != nil {
		return fmt.Errorf("compile %s shader: %w", p.Mode, err)
	}
	if err := layer.CreateBindGroup(e.ctx, label); err != nil {
		return err
	}

	encoder, err := e.ctx.Device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	pass := encoder.BeginComputePass(nil)
	layer.Dispatch(pass)
	pass.End()
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return err
	}
	e.ctx.Queue.Submit(cmd)

	total := seqLen * batch * hs
	// The first read waits on the whole submit, one dispatch per step
	outData, err := ReadBufferTimeout(e.ctx, layer.OutputBuffer, total, readTimeout(seqLen))
	if err != nil {
		return fmt.Errorf("read output: %w", err)
	}

	// The final state lives at the last time index consumed
	last := seqLen - 1
	if job.Reverse {
		last = 0
	}
	job.Output = fromFloat32(outData, seqLen, batch, hs)
	job.HN = job.Output.Select(0, last)

	if layer.Spec.LSTM {
		cellData, err := ReadBuffer(e.ctx, layer.CellBuffer, total)
		if err != nil {
			return fmt.Errorf("read cell: %w", err)
		}
		job.CN = fromFloat32(cellData, seqLen, batch, hs).Select(0, last)
	}
	return nil
}

func fromFloat32(data []float32, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i, v := range data {
		t.Data[i] = float64(v)
	}
	return t
}

// compile-time check
var _ rnn.Executor = (*Executor)(nil)
