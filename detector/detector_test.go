package detector

import "testing"

func TestBudgetOverride(t *testing.T) {
	t.Setenv(BudgetEnv, "")
	if got := Budget(); got != DefaultBudget {
		t.Errorf("default budget = %d, want %d", got, DefaultBudget)
	}

	t.Setenv(BudgetEnv, "64")
	if got := Budget(); got != 64*1024*1024 {
		t.Errorf("budget = %d, want %d", got, 64*1024*1024)
	}

	for _, bad := range []string{"-5", "0", "lots"} {
		t.Setenv(BudgetEnv, bad)
		if got := Budget(); got != DefaultBudget {
			t.Errorf("budget for %q = %d, want default", bad, got)
		}
	}
}

func TestChooseWorkgroup(t *testing.T) {
	tests := []struct {
		maxX, maxTotal, want uint32
	}{
		{1024, 1024, 256},
		{128, 1024, 128},
		{256, 64, 64},
		{0, 0, 1},
	}
	for _, tt := range tests {
		if got := chooseWorkgroup(tt.maxX, tt.maxTotal); got != tt.want {
			t.Errorf("chooseWorkgroup(%d, %d) = %d, want %d", tt.maxX, tt.maxTotal, got, tt.want)
		}
	}
}

func TestDirectionBytes(t *testing.T) {
	// GRU, in=1 hidden=1 seq=1 batch=1: x 1, h0 1, out 1, weights 3*(1+1+2)=12, plus a 4-byte uniform
	if got := DirectionBytes(false, 1, 1, 1, 1); got != 15*4+4 {
		t.Errorf("GRU bytes = %d, want %d", got, 15*4+4)
	}
	// LSTM adds c0 and the per-step cell buffer, and a fourth gate
	if got := DirectionBytes(true, 1, 1, 1, 1); got != (1+1+1+16+2)*4+4 {
		t.Errorf("LSTM bytes = %d, want %d", got, (1+1+1+16+2)*4+4)
	}
}

func TestFits(t *testing.T) {
	rep := &Report{
		Recommended: Recommendations{BudgetBytes: 1024},
		Limits:      Limits{MaxStorageBufferBindingSize: 1 << 20},
	}
	if !rep.Fits(false, 1, 1, 1, 1) {
		t.Error("tiny GRU should fit")
	}
	if rep.Fits(true, 10, 20, 100, 3) {
		t.Error("LSTM far over a 1KiB budget should not fit")
	}
}

func TestFitsChecksWeightsBinding(t *testing.T) {
	// input 1, hidden 4096: the weights buffer (4*4096*4099 floats) dwarfs input and output
	if got, want := LargestBinding(true, 1, 4096, 5, 3), uint64(4*4096*(1+4096+2))*4; got != want {
		t.Errorf("LargestBinding = %d, want %d", got, want)
	}
	rep := &Report{
		Recommended: Recommendations{BudgetBytes: 1 << 40},
		Limits:      Limits{MaxStorageBufferBindingSize: 128 << 20},
	}
	if rep.Fits(true, 1, 4096, 5, 3) {
		t.Error("weights larger than the binding limit should not fit")
	}
	if got := LargestBinding(false, 8, 2, 100, 4); got != 100*4*8*4 {
		t.Errorf("LargestBinding input-bound = %d, want %d", got, 100*4*8*4)
	}
}
