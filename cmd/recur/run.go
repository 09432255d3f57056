package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"

	"github.com/openfluke/recur/config"
	"github.com/openfluke/recur/gpu"
	"github.com/openfluke/recur/rnn"
	"github.com/openfluke/recur/tensor"
)

// checkTolerance bounds the direction checks; a GPU executor computes in float32
const checkTolerance = 1e-5

// experiment is one model with the random input and initial state drawn for it
type experiment struct {
	cfg   *config.Config
	model *rnn.RNN
	x     *tensor.Tensor
	h0    *rnn.State
}

// newExperiment builds the model and then draws x, h0 and c0 from the same seeded source
func newExperiment(cfg *config.Config) (*experiment, error) {
	mc, err := cfg.ModelConfig()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	model, err := rnn.New(mc, rng)
	if err != nil {
		return nil, err
	}
	if cfg.Weights != "" {
		if err := model.LoadFile(cfg.Weights, true); err != nil {
			return nil, err
		}
	}
	model.Training = cfg.Training
	if model.Executor, err = newExecutor(cfg.Backend); err != nil {
		return nil, err
	}

	rows := mc.NumLayers * mc.NumDirections()
	h0 := &rnn.State{H: tensor.Randn(rng, rows, cfg.BatchSize, mc.OutSize())}
	if mc.Mode == rnn.LSTM {
		h0.C = tensor.Randn(rng, rows, cfg.BatchSize, mc.HiddenSize)
	}
	return &experiment{
		cfg:   cfg,
		model: model,
		x:     tensor.Randn(rng, cfg.InputShape()...),
		h0:    h0,
	}, nil
}

func newExecutor(backend string) (rnn.Executor, error) {
	switch backend {
	case "", config.BackendCPU:
		return rnn.CPUExecutor{}, nil
	case config.BackendGPU:
		exec, err := gpu.NewExecutor()
		if err != nil {
			return nil, fmt.Errorf("gpu backend: %w", err)
		}
		return exec, nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

func (e *experiment) forward() (*rnn.Result, error) {
	if e.cfg.Lengths != nil {
		return e.model.ForwardPacked(e.x, e.cfg.Lengths, e.h0)
	}
	return e.model.Forward(e.x, e.h0)
}

// report prints shapes, the last layer's direction slices and the direction checks.
// It returns the number of failed checks.
func (e *experiment) report(w io.Writer, res *rnn.Result, values bool) int {
	m := e.model
	dirs := "unidirectional"
	if m.Bidirectional {
		dirs = "bidirectional"
	}
	fmt.Fprintf(w, "== %s: %d layers, %s, input %d, hidden %d", m.Mode, m.NumLayers, dirs, m.InputSize, m.HiddenSize)
	if m.ProjSize > 0 {
		fmt.Fprintf(w, ", proj %d", m.ProjSize)
	}
	if m.Training && m.Dropout > 0 {
		fmt.Fprintf(w, ", dropout %g", m.Dropout)
	}
	fmt.Fprintf(w, " (%d parameters) ==\n", m.NumParameters())

	fmt.Fprintf(w, "input:  %v\n", e.x.Shape)
	if res.Lengths != nil {
		fmt.Fprintf(w, "lengths: %v\n", res.Lengths)
	}
	fmt.Fprintf(w, "output: %v\n", res.Output.Shape)
	fmt.Fprintf(w, "h_n:    %v\n", res.H.Shape)
	if res.C != nil {
		fmt.Fprintf(w, "c_n:    %v\n", res.C.Shape)
	}

	if values {
		fmt.Fprintf(w, "\ninput =\n%s\n", e.x)
		fmt.Fprintf(w, "\noutput =\n%s\n", res.Output)
		fmt.Fprintf(w, "\nh_n =\n%s\n", res.H)
		if res.C != nil {
			fmt.Fprintf(w, "\nc_n =\n%s\n", res.C)
		}
	}

	last := m.NumLayers - 1
	for d := 0; d < m.NumDirections(); d++ {
		dir := rnn.Direction(d)
		out := m.DirectionOutput(res, dir)
		if m.BatchFirst {
			out = out.Transpose(0, 1)
		}
		step := 0
		if dir == rnn.Forward {
			step = out.Dim(0) - 1
		}
		fmt.Fprintf(w, "\n%s output at step %d:\n%s\n", dir, step, out.Select(0, step))
		fmt.Fprintf(w, "h_n[%d] (layer %d, %s):\n%s\n", m.StateIndex(last, dir), last, dir, m.FinalHidden(res, last, dir))
	}

	failed := 0
	fmt.Fprintln(w)
	for _, c := range m.CheckDirections(res, checkTolerance) {
		if !c.OK {
			failed++
		}
		fmt.Fprintln(w, c)
	}
	return failed
}

func runConfig(cfg *config.Config, save string, values bool) error {
	e, err := newExperiment(cfg)
	if err != nil {
		return err
	}
	res, err := e.forward()
	if err != nil {
		return err
	}
	failed := e.report(os.Stdout, res, values)
	if save != "" {
		if err := e.model.SaveFile(save, "F32"); err != nil {
			return err
		}
		fmt.Println("saved weights to", save)
	}
	if failed > 0 {
		return fmt.Errorf("%d direction checks failed", failed)
	}
	return nil
}

func export(cfg *config.Config, out, dtype string) error {
	mc, err := cfg.ModelConfig()
	if err != nil {
		return err
	}
	model, err := rnn.New(mc, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return err
	}
	if err := model.SaveFile(out, dtype); err != nil {
		return err
	}

	sd := model.StateDict()
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Printf("wrote %d tensors (%d parameters, %s) to %s\n", len(names), model.NumParameters(), dtype, out)
	for _, name := range names {
		fmt.Printf("  %-22s %v\n", name, sd[name].Shape)
	}
	return nil
}
