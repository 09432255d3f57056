package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// RecurrentSpec defines one direction of an LSTM or GRU layer
type RecurrentSpec struct {
	LSTM       bool // false selects GRU
	InputSize  int
	HiddenSize int
	SeqLen     int
	BatchSize  int
	Reverse    bool // consume steps SeqLen-1..0

	// Gate blocks stacked row-wise: i,f,g,o (LSTM) or r,z,n (GRU)
	WeightIH []float32 // [gates*HiddenSize * InputSize]
	WeightHH []float32 // [gates*HiddenSize * HiddenSize]
	BiasIH   []float32 // [gates*HiddenSize], nil for no bias
	BiasHH   []float32 // [gates*HiddenSize], nil for no bias
}

// Gates returns the number of gate blocks
func (s *RecurrentSpec) Gates() int {
	if s.LSTM {
		return 4
	}
	return 3
}

// RecurrentLayer holds GPU resources for one direction.
// The recurrence is sequential across time steps but parallel within each step, so one
// dispatch is recorded per step, each with its own step uniform.
type RecurrentLayer struct {
	Spec RecurrentSpec

	pipeline   *wgpu.ComputePipeline
	bindGroups []*wgpu.BindGroup

	InputBuffer   *wgpu.Buffer   // [SeqLen * BatchSize * InputSize], time-major
	H0Buffer      *wgpu.Buffer   // [BatchSize * HiddenSize]
	C0Buffer      *wgpu.Buffer   // [BatchSize * HiddenSize], LSTM only
	OutputBuffer  *wgpu.Buffer   // [SeqLen * BatchSize * HiddenSize], h_t per step
	CellBuffer    *wgpu.Buffer   // [SeqLen * BatchSize * HiddenSize], c_t per step, LSTM only
	WeightsBuffer *wgpu.Buffer   // [IH, HH, bias_ih, bias_hh]
	StepBuffers   []*wgpu.Buffer // one u32 uniform per step
}

// unifiedWeights concatenates [IH, HH, bias_ih, bias_hh]; missing biases become zeros
func (s *RecurrentSpec) unifiedWeights() []float32 {
	g := s.Gates() * s.HiddenSize
	ih, hh := g*s.InputSize, g*s.HiddenSize
	out := make([]float32, ih+hh+2*g)
	copy(out[0:ih], s.WeightIH)
	copy(out[ih:ih+hh], s.WeightHH)
	copy(out[ih+hh:ih+hh+g], s.BiasIH)
	copy(out[ih+hh+g:], s.BiasHH)
	return out
}

// AllocateBuffers uploads the input, initial state and weights and creates the step uniforms
func (l *RecurrentLayer) AllocateBuffers(c *Context, labelPrefix string, input, h0, c0 []float32) error {
	s := &l.Spec
	if s.SeqLen <= 0 || s.BatchSize <= 0 || s.InputSize <= 0 || s.HiddenSize <= 0 {
		return fmt.Errorf("invalid recurrent spec: seq=%d batch=%d input=%d hidden=%d", s.SeqLen, s.BatchSize, s.InputSize, s.HiddenSize)
	}
	if len(input) != s.SeqLen*s.BatchSize*s.InputSize {
		return fmt.Errorf("input has %d values, expected %d", len(input), s.SeqLen*s.BatchSize*s.InputSize)
	}
	stateSize := s.BatchSize * s.HiddenSize
	outputTotal := s.SeqLen * stateSize
	storage := wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst | wgpu.BufferUsageCopySrc

	var err error
	if l.InputBuffer, err = NewFloatBuffer(c, labelPrefix+"_In", input, storage); err != nil {
		return err
	}
	if l.H0Buffer, err = NewFloatBuffer(c, labelPrefix+"_H0", padTo(h0, stateSize), storage); err != nil {
		return err
	}
	if l.OutputBuffer, err = NewEmptyBuffer(c, labelPrefix+"_Out", outputTotal); err != nil {
		return err
	}
	if s.LSTM {
		if l.C0Buffer, err = NewFloatBuffer(c, labelPrefix+"_C0", padTo(c0, stateSize), storage); err != nil {
			return err
		}
		if l.CellBuffer, err = NewEmptyBuffer(c, labelPrefix+"_Cell", outputTotal); err != nil {
			return err
		}
	}
	if l.WeightsBuffer, err = NewFloatBuffer(c, labelPrefix+"_Weights", s.unifiedWeights(), storage); err != nil {
		return err
	}

	l.StepBuffers = make([]*wgpu.Buffer, s.SeqLen)
	for step := 0; step < s.SeqLen; step++ {
		l.StepBuffers[step], err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: fmt.Sprintf("%s_Step%d", labelPrefix, step),
			Size:  4,
			Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return err
		}
		c.Queue.WriteBuffer(l.StepBuffers[step], 0, wgpu.ToBytes([]uint32{uint32(step)}))
	}
	return nil
}

func padTo(v []float32, n int) []float32 {
	if len(v) == n {
		return v
	}
	out := make([]float32, n)
	copy(out, v)
	return out
}

// GenerateShader returns the WGSL for one time step of this direction
func (l *RecurrentLayer) GenerateShader() string {
	s := &l.Spec
	reverse := 0
	if s.Reverse {
		reverse = 1
	}

	common := fmt.Sprintf(`
		const INPUT_SIZE: u32 = %du;
		const HIDDEN_SIZE: u32 = %du;
		const BATCH_SIZE: u32 = %du;
		const SEQ_LEN: u32 = %du;
		const GATES: u32 = %du;
		const REVERSE: u32 = %du;

		// Offsets in the unified weight buffer: [IH, HH, bias_ih, bias_hh]
		const OFFSET_HH: u32 = GATES * HIDDEN_SIZE * INPUT_SIZE;
		const OFFSET_BIH: u32 = OFFSET_HH + GATES * HIDDEN_SIZE * HIDDEN_SIZE;
		const OFFSET_BHH: u32 = OFFSET_BIH + GATES * HIDDEN_SIZE;

		fn sigmoid(x: f32) -> f32 {
			return 1.0 / (1.0 + exp(-x));
		}

		fn time_of(s: u32) -> u32 {
			if (REVERSE == 1u) {
				return SEQ_LEN - 1u - s;
			}
			return s;
		}

		// x_t · W_ih[row] + b_ih[row]
		fn input_dot(row: u32, in_off: u32) -> f32 {
			var sum: f32 = weights[OFFSET_BIH + row];
			for (var k: u32 = 0u; k < INPUT_SIZE; k++) {
				sum += input[in_off + k] * weights[row * INPUT_SIZE + k];
			}
			return sum;
		}

		// h_{t-1} · W_hh[row] + b_hh[row]; h_{t-1} comes from h0 on the first step
		fn hidden_dot(row: u32, batch: u32) -> f32 {
			var sum: f32 = weights[OFFSET_BHH + row];
			if (cur_step == 0u) {
				for (var k: u32 = 0u; k < HIDDEN_SIZE; k++) {
					sum += h0[batch * HIDDEN_SIZE + k] * weights[OFFSET_HH + row * HIDDEN_SIZE + k];
				}
			} else {
				let prev = (time_of(cur_step - 1u) * BATCH_SIZE + batch) * HIDDEN_SIZE;
				for (var k: u32 = 0u; k < HIDDEN_SIZE; k++) {
					sum += output[prev + k] * weights[OFFSET_HH + row * HIDDEN_SIZE + k];
				}
			}
			return sum;
		}

		fn prev_hidden(batch: u32, j: u32) -> f32 {
			if (cur_step == 0u) {
				return h0[batch * HIDDEN_SIZE + j];
			}
			return output[(time_of(cur_step - 1u) * BATCH_SIZE + batch) * HIDDEN_SIZE + j];
		}
	`, s.InputSize, s.HiddenSize, s.BatchSize, s.SeqLen, s.Gates(), reverse)

	if s.LSTM {
		return `
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> h0 : array<f32>;
		@group(0) @binding(2) var<storage, read> c0 : array<f32>;
		@group(0) @binding(3) var<storage, read_write> output : array<f32>;
		@group(0) @binding(4) var<storage, read_write> cell : array<f32>;
		@group(0) @binding(5) var<storage, read> weights : array<f32>;
		@group(0) @binding(6) var<uniform> cur_step : u32;
		` + common + `
		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			if (idx >= BATCH_SIZE * HIDDEN_SIZE) { return; }
			let batch = idx / HIDDEN_SIZE;
			let j = idx % HIDDEN_SIZE;

			let t = time_of(cur_step);
			let in_off = (t * BATCH_SIZE + batch) * INPUT_SIZE;

			let i_gate = sigmoid(input_dot(j, in_off) + hidden_dot(j, batch));
			let f_gate = sigmoid(input_dot(HIDDEN_SIZE + j, in_off) + hidden_dot(HIDDEN_SIZE + j, batch));
			let g_gate = tanh(input_dot(2u * HIDDEN_SIZE + j, in_off) + hidden_dot(2u * HIDDEN_SIZE + j, batch));
			let o_gate = sigmoid(input_dot(3u * HIDDEN_SIZE + j, in_off) + hidden_dot(3u * HIDDEN_SIZE + j, batch));

			var c_prev: f32 = c0[batch * HIDDEN_SIZE + j];
			if (cur_step > 0u) {
				c_prev = cell[(time_of(cur_step - 1u) * BATCH_SIZE + batch) * HIDDEN_SIZE + j];
			}

			let new_c = f_gate * c_prev + i_gate * g_gate;
			let out_idx = (t * BATCH_SIZE + batch) * HIDDEN_SIZE + j;
			cell[out_idx] = new_c;
			output[out_idx] = o_gate * tanh(new_c);
		}
	`
	}

	return `
		@group(0) @binding(0) var<storage, read> input : array<f32>;
		@group(0) @binding(1) var<storage, read> h0 : array<f32>;
		@group(0) @binding(3) var<storage, read_write> output : array<f32>;
		@group(0) @binding(5) var<storage, read> weights : array<f32>;
		@group(0) @binding(6) var<uniform> cur_step : u32;
		` + common + `
		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			if (idx >= BATCH_SIZE * HIDDEN_SIZE) { return; }
			let batch = idx / HIDDEN_SIZE;
			let j = idx % HIDDEN_SIZE;

			let t = time_of(cur_step);
			let in_off = (t * BATCH_SIZE + batch) * INPUT_SIZE;

			let r_gate = sigmoid(input_dot(j, in_off) + hidden_dot(j, batch));
			let z_gate = sigmoid(input_dot(HIDDEN_SIZE + j, in_off) + hidden_dot(HIDDEN_SIZE + j, batch));
			let n_gate = tanh(input_dot(2u * HIDDEN_SIZE + j, in_off) + r_gate * hidden_dot(2u * HIDDEN_SIZE + j, batch));

			output[(t * BATCH_SIZE + batch) * HIDDEN_SIZE + j] = (1.0 - z_gate) * n_gate + z_gate * prev_hidden(batch, j);
		}
	`
}

// Compile builds the compute pipeline
func (l *RecurrentLayer) Compile(c *Context, labelPrefix string) error {
	mod, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          labelPrefix + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: l.GenerateShader()},
	})
	if err != nil {
		return err
	}
	defer mod.Release()
	l.pipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   labelPrefix + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	return err
}

// CreateBindGroup creates one bind group per time step
func (l *RecurrentLayer) CreateBindGroup(c *Context, labelPrefix string) error {
	l.bindGroups = make([]*wgpu.BindGroup, l.Spec.SeqLen)
	for step := range l.bindGroups {
		entries := []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: l.InputBuffer, Size: l.InputBuffer.GetSize()},
			{Binding: 1, Buffer: l.H0Buffer, Size: l.H0Buffer.GetSize()},
			{Binding: 3, Buffer: l.OutputBuffer, Size: l.OutputBuffer.GetSize()},
			{Binding: 5, Buffer: l.WeightsBuffer, Size: l.WeightsBuffer.GetSize()},
			{Binding: 6, Buffer: l.StepBuffers[step], Size: 4},
		}
		if l.Spec.LSTM {
			entries = append(entries,
				wgpu.BindGroupEntry{Binding: 2, Buffer: l.C0Buffer, Size: l.C0Buffer.GetSize()},
				wgpu.BindGroupEntry{Binding: 4, Buffer: l.CellBuffer, Size: l.CellBuffer.GetSize()},
			)
		}

		var err error
		l.bindGroups[step], err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:   fmt.Sprintf("%s_Bind%d", labelPrefix, step),
			Layout:  l.pipeline.GetBindGroupLayout(0),
			Entries: entries,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Dispatch records one dispatch per time step; steps must run in order because each reads
// the previous step's output
func (l *RecurrentLayer) Dispatch(pass *wgpu.ComputePassEncoder) {
	total := uint32(l.Spec.BatchSize * l.Spec.HiddenSize)
	wg := (total + 255) / 256
	for step := 0; step < l.Spec.SeqLen; step++ {
		pass.SetPipeline(l.pipeline)
		pass.SetBindGroup(0, l.bindGroups[step], nil)
		pass.DispatchWorkgroups(wg, 1, 1)
	}
}

// Cleanup releases every buffer, bind group and pipeline
func (l *RecurrentLayer) Cleanup() {
	for _, b := range []*wgpu.Buffer{l.InputBuffer, l.H0Buffer, l.C0Buffer, l.OutputBuffer, l.CellBuffer, l.WeightsBuffer} {
		if b != nil {
			b.Destroy()
		}
	}
	for _, b := range l.StepBuffers {
		if b != nil {
			b.Destroy()
		}
	}
	for _, bg := range l.bindGroups {
		if bg != nil {
			bg.Release()
		}
	}
	if l.pipeline != nil {
		l.pipeline.Release()
	}
}
