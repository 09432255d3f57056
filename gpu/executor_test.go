package gpu

import (
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/openfluke/recur/detector"
	"github.com/openfluke/recur/rnn"
	"github.com/openfluke/recur/tensor"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	exec, err := NewExecutor()
	if err != nil {
		if errors.Is(err, ErrNoGPU) {
			t.Skipf("GPU not available: %v", err)
		}
		t.Fatalf("NewExecutor: %v", err)
	}
	return exec
}

func TestRecurrentShaderLayout(t *testing.T) {
	lstm := &RecurrentLayer{Spec: RecurrentSpec{LSTM: true, InputSize: 3, HiddenSize: 4, SeqLen: 5, BatchSize: 2, Reverse: true}}
	src := lstm.GenerateShader()
	for _, want := range []string{
		"const INPUT_SIZE: u32 = 3u;",
		"const HIDDEN_SIZE: u32 = 4u;",
		"const SEQ_LEN: u32 = 5u;",
		"const GATES: u32 = 4u;",
		"const REVERSE: u32 = 1u;",
		"@binding(2) var<storage, read> c0",
		"@binding(4) var<storage, read_write> cell",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("LSTM shader missing %q", want)
		}
	}

	gru := &RecurrentLayer{Spec: RecurrentSpec{InputSize: 3, HiddenSize: 4, SeqLen: 5, BatchSize: 2}}
	src = gru.GenerateShader()
	if !strings.Contains(src, "const GATES: u32 = 3u;") || !strings.Contains(src, "const REVERSE: u32 = 0u;") {
		t.Errorf("GRU shader constants wrong:\n%s", src)
	}
	// Bindings absent from the GRU kernel must not be declared or the auto layout rejects the bind group
	if strings.Contains(src, "@binding(2)") || strings.Contains(src, "@binding(4)") {
		t.Errorf("GRU shader declares LSTM-only bindings")
	}
}

func TestUnifiedWeightsZeroFillsMissingBias(t *testing.T) {
	s := RecurrentSpec{
		InputSize:  1,
		HiddenSize: 1,
		WeightIH:   []float32{1, 2, 3},
		WeightHH:   []float32{4, 5, 6},
	}
	got := s.unifiedWeights()
	want := []float32{1, 2, 3, 4, 5, 6, 0, 0, 0, 0, 0, 0}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("weights[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExecutorMatchesCPU(t *testing.T) {
	exec := newTestExecutor(t)

	for _, mode := range []rnn.Mode{rnn.LSTM, rnn.GRU} {
		t.Run(mode.String(), func(t *testing.T) {
			cfg := rnn.NewConfig(mode, 10, 20)
			cfg.NumLayers = 2
			cfg.Bidirectional = true

			cpu, err := rnn.New(cfg, rand.New(rand.NewSource(1)))
			if err != nil {
				t.Fatal(err)
			}
			gpu, err := rnn.New(cfg, rand.New(rand.NewSource(1)))
			if err != nil {
				t.Fatal(err)
			}
			gpu.Executor = exec

			rng := rand.New(rand.NewSource(2))
			x := tensor.Randn(rng, 5, 3, 10)
			h0 := &rnn.State{H: tensor.Randn(rng, 4, 3, 20)}
			if mode == rnn.LSTM {
				h0.C = tensor.Randn(rng, 4, 3, 20)
			}

			want, err := cpu.Forward(x, h0)
			if err != nil {
				t.Fatal(err)
			}
			got, err := gpu.Forward(x, h0)
			if err != nil {
				t.Fatal(err)
			}

			if d := got.Output.MaxAbsDiff(want.Output); d > 1e-4 {
				t.Errorf("output max|diff| = %g", d)
			}
			if d := got.H.MaxAbsDiff(want.H); d > 1e-4 {
				t.Errorf("h_n max|diff| = %g", d)
			}
			if mode == rnn.LSTM {
				if d := got.C.MaxAbsDiff(want.C); d > 1e-4 {
					t.Errorf("c_n max|diff| = %g", d)
				}
			}
			for _, c := range gpu.CheckDirections(got, 1e-5) {
				if !c.OK {
					t.Errorf("%s", c)
				}
			}
		})
	}
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingExecutor) RunDirection(job *rnn.DirectionJob) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return rnn.CPUExecutor{}.RunDirection(job)
}

func TestExecutorFallsBackForPackedAndProjection(t *testing.T) {
	exec := newTestExecutor(t)
	rec := &recordingExecutor{}
	exec.Fallback = rec

	cfg := rnn.NewConfig(rnn.LSTM, 4, 6)
	cfg.ProjSize = 3
	model, err := rnn.New(cfg, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	model.Executor = exec

	x := tensor.Randn(rand.New(rand.NewSource(4)), 3, 2, 4)
	if _, err := model.Forward(x, nil); err != nil {
		t.Fatal(err)
	}
	if rec.calls != 1 {
		t.Errorf("projection job: fallback calls = %d, want 1", rec.calls)
	}

	cfg.ProjSize = 0
	model, err = rnn.New(cfg, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatal(err)
	}
	model.Executor = exec
	if _, err := model.ForwardPacked(x, []int{3, 1}, nil); err != nil {
		t.Fatal(err)
	}
	if rec.calls != 2 {
		t.Errorf("packed job: fallback calls = %d, want 2", rec.calls)
	}
}

func TestSupportsRespectsAdapterLimits(t *testing.T) {
	newJob := func(mode rnn.Mode, in, hidden, seq, batch int) *rnn.DirectionJob {
		cfg := rnn.NewConfig(mode, in, hidden)
		model, err := rnn.New(cfg, rand.New(rand.NewSource(1)))
		if err != nil {
			t.Fatal(err)
		}
		return &rnn.DirectionJob{Params: model.Layers[0][0], Input: tensor.New(seq, batch, in)}
	}

	exec := &Executor{Report: &detector.Report{
		Recommended: detector.Recommendations{BudgetBytes: 1 << 30},
		Limits:      detector.Limits{MaxStorageBufferBindingSize: 1 << 20},
	}}

	if !exec.Supports(newJob(rnn.LSTM, 10, 20, 5, 3)) {
		t.Error("small LSTM direction should run on the GPU")
	}
	// 4*256*(1+256+2) floats of weights exceed a 1 MiB binding while input and output stay tiny
	if exec.Supports(newJob(rnn.LSTM, 1, 256, 2, 1)) {
		t.Error("direction whose weights exceed the binding limit should fall back")
	}

	exec.Report.Recommended.BudgetBytes = 1024
	if exec.Supports(newJob(rnn.GRU, 10, 20, 5, 3)) {
		t.Error("direction over the memory budget should fall back")
	}

	exec.Report = nil
	if !exec.Supports(newJob(rnn.LSTM, 1, 256, 2, 1)) {
		t.Error("without a report only projection and packing force the fallback")
	}
	job := newJob(rnn.GRU, 3, 4, 2, 2)
	job.Lengths = []int{2, 1}
	if exec.Supports(job) {
		t.Error("packed job should fall back")
	}
}

func TestRunDirectionUsesFallbackWhenTooLarge(t *testing.T) {
	rec := &recordingExecutor{}
	exec := &Executor{
		Report:   &detector.Report{Recommended: detector.Recommendations{BudgetBytes: 1}},
		Fallback: rec,
	}
	model, err := rnn.NewGRU(3, 4, 1, true, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatal(err)
	}
	model.Executor = exec
	if _, err := model.Forward(tensor.Randn(rand.New(rand.NewSource(6)), 2, 2, 3), nil); err != nil {
		t.Fatal(err)
	}
	if rec.calls != 2 {
		t.Errorf("fallback calls = %d, want 2", rec.calls)
	}
}

func TestReadTimeoutGrowsWithSteps(t *testing.T) {
	if got := readTimeout(0); got != ReadTimeout {
		t.Errorf("readTimeout(0) = %v, want %v", got, ReadTimeout)
	}
	if got, want := readTimeout(1000), ReadTimeout+1000*StepTimeout; got != want {
		t.Errorf("readTimeout(1000) = %v, want %v", got, want)
	}
	if readTimeout(500) <= readTimeout(5) {
		t.Error("longer sequences should be allowed to wait longer")
	}
}
