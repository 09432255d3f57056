package rnn

import (
	"fmt"
	"math"

	"github.com/openfluke/recur/tensor"
)

// StateIndex is the row of h_n / c_n holding the final state of (layer, dir)
func (r *RNN) StateIndex(layer int, dir Direction) int {
	return layer*r.NumDirections() + int(dir)
}

// FinalHidden returns h_n for one layer and direction as [batch, out]
func (r *RNN) FinalHidden(res *Result, layer int, dir Direction) *tensor.Tensor {
	return res.H.Select(0, r.StateIndex(layer, dir))
}

// FinalCell returns c_n for one layer and direction as [batch, hidden], or nil for GRU
func (r *RNN) FinalCell(res *Result, layer int, dir Direction) *tensor.Tensor {
	if res.C == nil {
		return nil
	}
	return res.C.Select(0, r.StateIndex(layer, dir))
}

// DirectionOutput returns the last layer's per-step output for one direction, in the same
// layout as res.Output but with only out features
func (r *RNN) DirectionOutput(res *Result, dir Direction) *tensor.Tensor {
	out := r.OutSize()
	return res.Output.Narrow(-1, int(dir)*out, out)
}

// DirectionCheck compares a final state row with the output step it must equal
type DirectionCheck struct {
	Dir      Direction
	StateRow int     // row of h_n
	Step     string  // which output step was compared
	MaxDiff  float64 // largest absolute difference over the batch
	OK       bool
}

func (c DirectionCheck) String() string {
	status := "OK"
	if !c.OK {
		status = "MISMATCH"
	}
	return fmt.Sprintf("h_n[%d] (%s) == %s: max|diff|=%.2e %s", c.StateRow, c.Dir, c.Step, c.MaxDiff, status)
}

// CheckDirections verifies how the last layer's final states map onto the output:
// the forward row equals the output at each sequence's last valid step (features [0, out)),
// and the backward row equals the output at step 0 (features [out, 2*out)).
func (r *RNN) CheckDirections(res *Result, atol float64) []DirectionCheck {
	output := res.Output
	if r.BatchFirst {
		output = output.Transpose(0, 1)
	}
	seqLen, batch, out := output.Dim(0), output.Dim(1), r.OutSize()
	last := r.NumLayers - 1

	var checks []DirectionCheck
	for d := 0; d < r.NumDirections(); d++ {
		dir := Direction(d)
		row := r.StateIndex(last, dir)
		final := res.H.Select(0, row)

		c := DirectionCheck{Dir: dir, StateRow: row}
		switch {
		case dir == Backward:
			c.Step = fmt.Sprintf("output[0, :, %d:%d]", out, 2*out)
		case res.Lengths != nil:
			c.Step = fmt.Sprintf("output[len-1, b, 0:%d]", out)
		default:
			c.Step = fmt.Sprintf("output[%d, :, 0:%d]", seqLen-1, out)
		}

		for b := 0; b < batch; b++ {
			t := 0
			if dir == Forward {
				t = seqLen - 1
				if res.Lengths != nil {
					t = res.Lengths[b] - 1
				}
			}
			for j := 0; j < out; j++ {
				diff := math.Abs(output.At(t, b, d*out+j) - final.At(b, j))
				if diff > c.MaxDiff || math.IsNaN(diff) {
					c.MaxDiff = diff
				}
			}
		}
		c.OK = c.MaxDiff <= atol
		checks = append(checks, c)
	}
	return checks
}
