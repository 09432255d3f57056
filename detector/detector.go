// Package detector inspects the WebGPU adapter and reports what the recurrent kernels can use.
package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// BudgetEnv overrides the memory budget in megabytes
const BudgetEnv = "RECUR_BUDGET_MB"

// DefaultBudget is the buffer budget used when BudgetEnv is unset
const DefaultBudget = uint64(128 * 1024 * 1024)

// Report summarises the adapter and the limits relevant to one-dispatch-per-step kernels
type Report struct {
	WhenISO     string            `json:"when_iso"`
	Runtime     string            `json:"runtime"`
	Backend     string            `json:"backend"`
	AdapterType string            `json:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex"`
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	Recommended Recommendations   `json:"recommended"`
	Limits      Limits            `json:"limits"`
	Features    []string          `json:"features"`
	Env         map[string]string `json:"env,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
	MaxBindGroups                     uint32 `json:"max_bind_groups"`
}

type Recommendations struct {
	WorkgroupX  uint32 `json:"workgroup_x"`
	BudgetBytes uint64 `json:"budget_bytes"`
}

// DirectionBytes is the device memory one recurrent direction allocates:
// input, h0, c0, per-step h and c, weights and one uniform per step
func DirectionBytes(lstm bool, inputSize, hiddenSize, seqLen, batch int) uint64 {
	gates := 3
	if lstm {
		gates = 4
	}
	state := batch * hiddenSize
	floats := seqLen*batch*inputSize + state + seqLen*state +
		gates*hiddenSize*(inputSize+hiddenSize+2)
	if lstm {
		floats += state + seqLen*state
	}
	return uint64(floats)*4 + uint64(seqLen)*4
}

// LargestBinding is the size in bytes of the biggest storage buffer one direction binds:
// the time-major input, the per-step output or the unified weights
func LargestBinding(lstm bool, inputSize, hiddenSize, seqLen, batch int) uint64 {
	gates := 3
	if lstm {
		gates = 4
	}
	largest := max(seqLen*batch*inputSize, seqLen*batch*hiddenSize, gates*hiddenSize*(inputSize+hiddenSize+2))
	return uint64(largest) * 4
}

// Fits reports whether a direction of the given size stays inside the budget and the
// per-binding limit. A zero limit is treated as unknown.
func (r *Report) Fits(lstm bool, inputSize, hiddenSize, seqLen, batch int) bool {
	if DirectionBytes(lstm, inputSize, hiddenSize, seqLen, batch) > r.Recommended.BudgetBytes {
		return false
	}
	limit := r.Limits.MaxStorageBufferBindingSize
	return limit == 0 || LargestBinding(lstm, inputSize, hiddenSize, seqLen, batch) <= limit
}

// DetectJSON runs Detect and returns the indented JSON report
func DetectJSON() (string, error) {
	rep, err := Detect()
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect queries the high-performance adapter and synthesizes a report
func Detect() (*Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter")
	}
	defer adapter.Release()

	return Describe(adapter), nil
}

// Describe builds a report for an adapter that is already open
func Describe(adapter *wgpu.Adapter) *Report {
	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	var feats []string
	for _, f := range adapter.EnumerateFeatures() {
		feats = append(feats, f.String())
	}

	return &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          limits.Limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
			MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     limits.Limits.MaxBufferSize,
			MaxBindGroups:                     limits.Limits.MaxBindGroups,
		},
		Features: feats,
		Recommended: Recommendations{
			WorkgroupX:  chooseWorkgroup(limits.Limits.MaxComputeWorkgroupSizeX, limits.Limits.MaxComputeInvocationsPerWorkgroup),
			BudgetBytes: Budget(),
		},
		Env: pickEnv([]string{BudgetEnv, "RECUR_BACKEND", "RECUR_GPU_VERBOSE"}),
	}
}

// Budget returns DefaultBudget unless BudgetEnv holds a positive number of megabytes
func Budget() uint64 {
	if mbStr := os.Getenv(BudgetEnv); mbStr != "" {
		if mb, err := strconv.Atoi(mbStr); err == nil && mb > 0 {
			return uint64(mb) * 1024 * 1024
		}
	}
	return DefaultBudget
}

// chooseWorkgroup picks the largest 1-D size the recurrent kernels' 256 fits under
func chooseWorkgroup(maxX, maxTotal uint32) uint32 {
	for _, c := range []uint32{256, 128, 64, 32, 16, 8, 4, 1} {
		if c <= maxX && c <= maxTotal {
			return c
		}
	}
	return 1
}

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
