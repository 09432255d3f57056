package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/openfluke/recur/tensor"
)

// Save writes tensors to a safetensors file
func Save(path string, tensors map[string]*tensor.Tensor, dtype string, metadata map[string]string) error {
	data, err := Serialize(tensors, dtype, metadata)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Serialize encodes tensors as F32 or F64. Names are written in sorted order so equal inputs
// produce identical bytes.
func Serialize(tensors map[string]*tensor.Tensor, dtype string, metadata map[string]string) ([]byte, error) {
	if dtype != "F32" && dtype != "F64" {
		return nil, fmt.Errorf("unsupported dtype for writing: %s", dtype)
	}
	width := bytesPerElement(dtype)

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == "__metadata__" {
			return nil, fmt.Errorf("tensor name %q is reserved", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]interface{}, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	offset := 0
	for _, name := range names {
		t := tensors[name]
		size := t.Size() * width
		shape := t.Shape
		if shape == nil {
			shape = []int{}
		}
		header[name] = TensorInfo{DType: dtype, Shape: shape, Offset: []int{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	// Pad with spaces so tensor data starts 8-byte aligned
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	headerSize := uint64(len(headerJSON))
	result := make([]byte, 8+int(headerSize)+offset)
	binary.LittleEndian.PutUint64(result[0:8], headerSize)
	copy(result[8:], headerJSON)

	pos := 8 + int(headerSize)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			if dtype == "F64" {
				binary.LittleEndian.PutUint64(result[pos:], math.Float64bits(v))
			} else {
				binary.LittleEndian.PutUint32(result[pos:], math.Float32bits(float32(v)))
			}
			pos += width
		}
	}

	return result, nil
}
