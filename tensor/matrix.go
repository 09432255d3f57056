package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Matrix views a 2-D tensor as a gonum matrix. The returned matrix shares t.Data.
func (t *Tensor) Matrix() *mat.Dense {
	if len(t.Shape) != 2 {
		panic(fmt.Sprintf("tensor: Matrix needs a 2-D tensor, got shape %v", t.Shape))
	}
	if t.Size() == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], t.Data)
}

// FromDense copies a gonum matrix into a new 2-D tensor
func FromDense(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	t := New(r, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			t.Data[i*c+j] = m.At(i, j)
		}
	}
	return t
}
