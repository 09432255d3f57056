// Package safetensors reads and writes the safetensors weight format:
//
//	[header size: u64 little-endian][header JSON][tensor bytes]
//
// The header maps tensor names to {dtype, shape, data_offsets}, with offsets relative to the
// first byte after the header. An optional "__metadata__" entry holds string pairs.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/openfluke/recur/tensor"
)

// ErrFormat is returned for malformed files
var ErrFormat = errors.New("safetensors: malformed data")

// TensorInfo describes one tensor in the header
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// Load reads a safetensors file and returns tensors by name
func Load(path string) (map[string]*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return LoadBytes(data)
}

// LoadBytes decodes safetensors data. F64, F32, F16 and BF16 tensors are widened to float64;
// other dtypes are skipped with a warning on stderr.
func LoadBytes(data []byte) (map[string]*tensor.Tensor, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: need at least 8 bytes for header size", ErrFormat)
	}

	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header size %d but only %d bytes available", ErrFormat, headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("%w: failed to parse header: %v", ErrFormat, err)
	}

	body := data[8+headerSize:]
	tensors := make(map[string]*tensor.Tensor)
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrFormat, name, err)
		}

		width := bytesPerElement(info.DType)
		if width == 0 {
			fmt.Fprintf(os.Stderr, "Warning: skipping tensor %s with unsupported dtype %s\n", name, info.DType)
			continue
		}
		if len(info.Offset) != 2 {
			return nil, fmt.Errorf("%w: tensor %s has %d data offsets", ErrFormat, name, len(info.Offset))
		}

		numElements, err := elementCount(info.Shape, len(body)/width)
		if err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrFormat, name, err)
		}

		start, end := info.Offset[0], info.Offset[1]
		if start < 0 || end < start || end > len(body) {
			return nil, fmt.Errorf("%w: tensor %s: data [%d, %d) out of bounds", ErrFormat, name, start, end)
		}
		if end-start != numElements*width {
			return nil, fmt.Errorf("%w: tensor %s: %d bytes for %d %s elements", ErrFormat, name, end-start, numElements, info.DType)
		}

		t := tensor.New(info.Shape...)
		decode(t.Data, body[start:end], info.DType)
		tensors[name] = t
	}

	return tensors, nil
}

// elementCount multiplies out shape, refusing any product above limit so a hostile header
// cannot wrap the count
func elementCount(shape []int, limit int) (int, error) {
	for _, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("negative dimension in %v", shape)
		}
		if dim == 0 {
			return 0, nil
		}
	}
	n := 1
	for _, dim := range shape {
		if n > limit/dim {
			return 0, fmt.Errorf("shape %v holds more elements than the data", shape)
		}
		n *= dim
	}
	return n, nil
}

func decode(dst []float64, src []byte, dtype string) {
	switch dtype {
	case "F64":
		for i := range dst {
			dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(src[i*8:]))
		}
	case "F32":
		for i := range dst {
			dst[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:])))
		}
	case "F16":
		for i := range dst {
			dst[i] = float64(float16ToFloat32(binary.LittleEndian.Uint16(src[i*2:])))
		}
	case "BF16":
		for i := range dst {
			dst[i] = float64(bfloat16ToFloat32(binary.LittleEndian.Uint16(src[i*2:])))
		}
	}
}

// bytesPerElement returns 0 for dtypes that cannot be read as floats
func bytesPerElement(dtype string) int {
	switch dtype {
	case "F64":
		return 8
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var bits uint32
	switch {
	case exponent == 0 && mantissa == 0:
		bits = sign << 31
	case exponent == 0:
		// Subnormal: renormalise the mantissa
		e := int32(1)
		for mantissa&0x400 == 0 {
			mantissa <<= 1
			e--
		}
		mantissa &= 0x3FF
		bits = (sign << 31) | uint32(e+127-15)<<23 | (mantissa << 13)
	case exponent == 0x1F:
		bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	default:
		bits = (sign << 31) | ((exponent + 127 - 15) << 23) | (mantissa << 13)
	}
	return math.Float32frombits(bits)
}

// bfloat16ToFloat32 converts a bfloat16 to float32; bfloat16 is the top half of a float32
func bfloat16ToFloat32(bf16 uint16) float32 {
	return math.Float32frombits(uint32(bf16) << 16)
}
