// Package tensor provides the small dense array type used by the recurrent layers and the
// inspection commands.
//
// A Tensor is a row-major float64 buffer with a shape. Every operation copies, so results
// never alias their inputs. The one exception is Matrix, which exposes a 2-D tensor to gonum
// without copying.
//
// Example usage:
//
//	rng := rand.New(rand.NewSource(0))
//	x := tensor.Randn(rng, 5, 3, 10) // [seq, batch, features]
//	last := x.Select(0, -1)          // [3, 10]
//	fmt.Println(last.Shape)
package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrShape is returned when tensor shapes are incompatible with an operation
var ErrShape = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major float64 array
type Tensor struct {
	Data    []float64
	Shape   []int // row-major
	Strides []int
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func stridesFor(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

func cloneShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

// New creates a zero-filled tensor
func New(shape ...int) *Tensor {
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
	}
	s := cloneShape(shape)
	return &Tensor{Data: make([]float64, numel(s)), Shape: s, Strides: stridesFor(s)}
}

// FromSlice wraps a copy of data with the given shape
func FromSlice(data []float64, shape ...int) (*Tensor, error) {
	if len(data) != numel(shape) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), shape)
	}
	t := New(shape...)
	copy(t.Data, data)
	return t, nil
}

// Randn fills a new tensor with samples from N(0, 1)
func Randn(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64()
	}
	return t
}

// Uniform fills a new tensor with samples from U(lo, hi)
func Uniform(rng *rand.Rand, lo, hi float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = lo + (hi-lo)*rng.Float64()
	}
	return t
}

// Size returns the number of elements
func (t *Tensor) Size() int { return len(t.Data) }

// Dims returns the number of dimensions
func (t *Tensor) Dims() int { return len(t.Shape) }

// Dim returns the size of dimension i; negative i counts from the end
func (t *Tensor) Dim(i int) int {
	return t.Shape[t.normDim(i)]
}

func (t *Tensor) normDim(dim int) int {
	if dim < 0 {
		dim += len(t.Shape)
	}
	if dim < 0 || dim >= len(t.Shape) {
		panic(fmt.Sprintf("tensor: dimension %d out of range for shape %v", dim, t.Shape))
	}
	return dim
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for shape %v", len(idx), t.Shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 {
			v += t.Shape[i]
		}
		if v < 0 || v >= t.Shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.Shape))
		}
		off += v * t.Strides[i]
	}
	return off
}

// At returns the element at idx
func (t *Tensor) At(idx ...int) float64 { return t.Data[t.offset(idx)] }

// Set writes v at idx
func (t *Tensor) Set(v float64, idx ...int) { t.Data[t.offset(idx)] = v }

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Reshape returns a copy with a new shape, or nil if the sizes differ
func (t *Tensor) Reshape(shape ...int) *Tensor {
	if numel(shape) != len(t.Data) {
		return nil
	}
	r := New(shape...)
	copy(r.Data, t.Data)
	return r
}

// split returns (outer, size of dim, inner) for the row-major block decomposition around dim
func (t *Tensor) split(dim int) (int, int, int) {
	return numel(t.Shape[:dim]), t.Shape[dim], numel(t.Shape[dim+1:])
}

// Narrow returns elements [start, start+length) along dim
func (t *Tensor) Narrow(dim, start, length int) *Tensor {
	dim = t.normDim(dim)
	if start < 0 {
		start += t.Shape[dim]
	}
	if start < 0 || length < 0 || start+length > t.Shape[dim] {
		panic(fmt.Sprintf("tensor: narrow [%d:%d] out of range for dim %d of %v", start, start+length, dim, t.Shape))
	}
	outer, size, inner := t.split(dim)
	shape := cloneShape(t.Shape)
	shape[dim] = length
	out := New(shape...)
	for o := 0; o < outer; o++ {
		src := t.Data[(o*size+start)*inner : (o*size+start+length)*inner]
		copy(out.Data[o*length*inner:], src)
	}
	return out
}

// Select picks index i along dim and drops that dimension. Negative i counts from the end.
func (t *Tensor) Select(dim, i int) *Tensor {
	dim = t.normDim(dim)
	if i < 0 {
		i += t.Shape[dim]
	}
	n := t.Narrow(dim, i, 1)
	shape := append(cloneShape(t.Shape[:dim]), t.Shape[dim+1:]...)
	n.Shape = shape
	n.Strides = stridesFor(shape)
	return n
}

// Flip reverses the order of elements along dim
func (t *Tensor) Flip(dim int) *Tensor {
	dim = t.normDim(dim)
	outer, size, inner := t.split(dim)
	out := New(t.Shape...)
	for o := 0; o < outer; o++ {
		for k := 0; k < size; k++ {
			src := t.Data[(o*size+k)*inner : (o*size+k+1)*inner]
			copy(out.Data[(o*size+size-1-k)*inner:], src)
		}
	}
	return out
}

// Transpose swaps dimensions a and b
func (t *Tensor) Transpose(a, b int) *Tensor {
	a, b = t.normDim(a), t.normDim(b)
	shape := cloneShape(t.Shape)
	shape[a], shape[b] = shape[b], shape[a]
	out := New(shape...)
	if out.Size() == 0 {
		return out
	}

	idx := make([]int, len(shape))
	for i := range out.Data {
		src := 0
		for d, v := range idx {
			sd := d
			if d == a {
				sd = b
			} else if d == b {
				sd = a
			}
			src += v * t.Strides[sd]
		}
		out.Data[i] = t.Data[src]

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

// Concat joins tensors along dim; every other dimension must match
func Concat(dim int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: concat of zero tensors", ErrShape)
	}
	first := ts[0]
	if dim < 0 {
		dim += len(first.Shape)
	}
	if dim < 0 || dim >= len(first.Shape) {
		return nil, fmt.Errorf("%w: concat dim %d for shape %v", ErrShape, dim, first.Shape)
	}

	shape := cloneShape(first.Shape)
	shape[dim] = 0
	for _, x := range ts {
		if len(x.Shape) != len(first.Shape) {
			return nil, fmt.Errorf("%w: concat %v with %v", ErrShape, first.Shape, x.Shape)
		}
		for d := range x.Shape {
			if d != dim && x.Shape[d] != first.Shape[d] {
				return nil, fmt.Errorf("%w: concat %v with %v along %d", ErrShape, first.Shape, x.Shape, dim)
			}
		}
		shape[dim] += x.Shape[dim]
	}

	out := New(shape...)
	outer := numel(shape[:dim])
	inner := numel(shape[dim+1:])
	pos := 0
	for o := 0; o < outer; o++ {
		for _, x := range ts {
			n := x.Shape[dim] * inner
			copy(out.Data[pos:pos+n], x.Data[o*n:(o+1)*n])
			pos += n
		}
	}
	return out, nil
}

// Stack joins equally shaped tensors along a new dimension dim
func Stack(dim int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: stack of zero tensors", ErrShape)
	}
	rank := len(ts[0].Shape)
	if dim < 0 {
		dim += rank + 1
	}
	if dim < 0 || dim > rank {
		return nil, fmt.Errorf("%w: stack dim %d for rank %d", ErrShape, dim, rank)
	}
	expanded := make([]*Tensor, len(ts))
	for i, x := range ts {
		if !sameShape(x.Shape, ts[0].Shape) {
			return nil, fmt.Errorf("%w: stack %v with %v", ErrShape, ts[0].Shape, x.Shape)
		}
		shape := append(cloneShape(x.Shape[:dim]), 1)
		shape = append(shape, x.Shape[dim:]...)
		expanded[i] = &Tensor{Data: x.Data, Shape: shape, Strides: stridesFor(shape)}
	}
	return Concat(dim, expanded...)
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SameShape reports whether t and o have identical shapes
func (t *Tensor) SameShape(o *Tensor) bool { return sameShape(t.Shape, o.Shape) }

// MaxAbsDiff returns the largest element-wise difference, or +Inf when shapes differ
func (t *Tensor) MaxAbsDiff(o *Tensor) float64 {
	if !t.SameShape(o) {
		return math.Inf(1)
	}
	m := 0.0
	for i, v := range t.Data {
		d := math.Abs(v - o.Data[i])
		if d > m || math.IsNaN(d) {
			m = d
		}
	}
	return m
}

// AllClose reports whether every element of t is within atol of o
func (t *Tensor) AllClose(o *Tensor, atol float64) bool {
	return t.MaxAbsDiff(o) <= atol
}

// Float32 converts the data for GPU upload
func (t *Tensor) Float32() []float32 {
	out := make([]float32, len(t.Data))
	for i, v := range t.Data {
		out[i] = float32(v)
	}
	return out
}
