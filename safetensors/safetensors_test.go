package safetensors

import (
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/openfluke/recur/tensor"
)

func TestSaveLoadFile(t *testing.T) {
	w, _ := tensor.FromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	b, _ := tensor.FromSlice([]float64{-0.5, 0.25}, 2)

	path := filepath.Join(t.TempDir(), "weights.safetensors")
	err := Save(path, map[string]*tensor.Tensor{"weight_ih_l0": w, "bias_ih_l0": b}, "F32", map[string]string{"format": "pt"})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 tensors, got %d", len(loaded))
	}
	if !loaded["weight_ih_l0"].AllClose(w, 0) || !loaded["bias_ih_l0"].AllClose(b, 0) {
		t.Errorf("Loaded tensors differ from saved ones")
	}
}

func TestF64KeepsPrecision(t *testing.T) {
	x, _ := tensor.FromSlice([]float64{math.Pi, 1e-300}, 2)
	data, err := Serialize(map[string]*tensor.Tensor{"x": x}, "F64", nil)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	got, err := LoadBytes(data)
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}
	if got["x"].Data[0] != math.Pi || got["x"].Data[1] != 1e-300 {
		t.Errorf("F64 values changed: %v", got["x"].Data)
	}
}

func TestSerializeIsDeterministicAndAligned(t *testing.T) {
	m := map[string]*tensor.Tensor{
		"b": tensor.New(3),
		"a": tensor.New(2, 2),
		"c": tensor.New(1),
	}
	first, _ := Serialize(m, "F32", nil)
	second, _ := Serialize(m, "F32", nil)
	if string(first) != string(second) {
		t.Errorf("Serialize is not deterministic")
	}
	if hs := binary.LittleEndian.Uint64(first[:8]); hs%8 != 0 {
		t.Errorf("Header size %d is not 8-byte aligned", hs)
	}
}

func TestHalfPrecisionDecoding(t *testing.T) {
	cases := []struct {
		bits uint16
		want float32
	}{
		{0x3C00, 1.0},
		{0xC000, -2.0},
		{0x3800, 0.5},
		{0x0000, 0.0},
		{0x0001, float32(math.Ldexp(1, -24))}, // smallest subnormal
	}
	for _, c := range cases {
		if got := float16ToFloat32(c.bits); got != c.want {
			t.Errorf("float16ToFloat32(%#04x) = %v, expected %v", c.bits, got, c.want)
		}
	}
	if !math.IsInf(float64(float16ToFloat32(0x7C00)), 1) {
		t.Errorf("0x7C00 should decode to +Inf")
	}
	if got := bfloat16ToFloat32(0x3F80); got != 1.0 {
		t.Errorf("bfloat16ToFloat32(0x3F80) = %v, expected 1", got)
	}
}

func TestLoadBytesRejectsMalformed(t *testing.T) {
	if _, err := LoadBytes([]byte{1, 2, 3}); !errors.Is(err, ErrFormat) {
		t.Errorf("Expected ErrFormat for short data, got %v", err)
	}

	header := []byte(`{"x":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`)
	data := make([]byte, 8+len(header)+8) // only 8 of the 16 data bytes
	binary.LittleEndian.PutUint64(data, uint64(len(header)))
	copy(data[8:], header)
	if _, err := LoadBytes(data); !errors.Is(err, ErrFormat) {
		t.Errorf("Expected ErrFormat for truncated data, got %v", err)
	}

	// 2^62 * 4 wraps to zero elements, which would match the empty data range
	header = []byte(`{"x":{"dtype":"F32","shape":[4611686018427387904,4],"data_offsets":[0,0]}}`)
	data = make([]byte, 8+len(header))
	binary.LittleEndian.PutUint64(data, uint64(len(header)))
	copy(data[8:], header)
	if got, err := LoadBytes(data); !errors.Is(err, ErrFormat) {
		t.Errorf("Expected ErrFormat for an overflowing shape, got %v (%d tensors)", err, len(got))
	}

	header = []byte(`{"x":{"dtype":"F32","shape":[2,-1],"data_offsets":[0,0]}}`)
	data = make([]byte, 8+len(header))
	binary.LittleEndian.PutUint64(data, uint64(len(header)))
	copy(data[8:], header)
	if _, err := LoadBytes(data); !errors.Is(err, ErrFormat) {
		t.Errorf("Expected ErrFormat for a negative dimension, got %v", err)
	}

	if _, err := Serialize(map[string]*tensor.Tensor{"x": tensor.New(1)}, "I8", nil); err == nil {
		t.Errorf("Expected error for unsupported write dtype")
	}
}

func TestElementCount(t *testing.T) {
	tests := []struct {
		shape   []int
		limit   int
		want    int
		wantErr bool
	}{
		{[]int{3, 4}, 12, 12, false},
		{[]int{}, 1, 1, false},
		{[]int{5, 0}, 0, 0, false},
		{[]int{3, 4}, 11, 0, true},
		{[]int{1 << 30, 1 << 30, 1 << 30}, 100, 0, true},
		{[]int{-1}, 10, 0, true},
	}
	for _, tt := range tests {
		got, err := elementCount(tt.shape, tt.limit)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("elementCount(%v, %d) = %d, %v; want %d, err=%v", tt.shape, tt.limit, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestLoadBytesSkipsUnsupportedDTypes(t *testing.T) {
	header := []byte(`{"ids":{"dtype":"I64","shape":[1],"data_offsets":[0,8]},"w":{"dtype":"BF16","shape":[1],"data_offsets":[8,10]}}`)
	data := make([]byte, 8+len(header)+10)
	binary.LittleEndian.PutUint64(data, uint64(len(header)))
	copy(data[8:], header)
	binary.LittleEndian.PutUint16(data[8+len(header)+8:], 0x4000) // bf16 2.0

	got, err := LoadBytes(data)
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}
	if _, ok := got["ids"]; ok {
		t.Errorf("I64 tensor should be skipped")
	}
	if got["w"].Data[0] != 2.0 {
		t.Errorf("Expected 2.0, got %v", got["w"].Data[0])
	}
}
