package tensor

import (
	"fmt"
	"strings"
)

// String renders the tensor as nested brackets followed by its shape, e.g.
//
//	[[ 0.1234, -1.0000],
//	 [ 2.5000,  0.0000]] shape=[2 2]
func (t *Tensor) String() string {
	var sb strings.Builder
	if len(t.Shape) == 0 {
		fmt.Fprintf(&sb, "%.4f", t.Data[0])
	} else {
		t.format(&sb, 0, 0)
	}
	fmt.Fprintf(&sb, " shape=%v", t.Shape)
	return sb.String()
}

func (t *Tensor) format(sb *strings.Builder, dim, off int) {
	sb.WriteByte('[')
	n := t.Shape[dim]
	last := dim == len(t.Shape)-1
	for i := 0; i < n; i++ {
		if i > 0 {
			if last {
				sb.WriteString(", ")
			} else {
				sb.WriteString(",")
				sb.WriteString(strings.Repeat("\n", len(t.Shape)-dim-1))
				sb.WriteString(strings.Repeat(" ", dim+1))
			}
		}
		if last {
			fmt.Fprintf(sb, "%7.4f", t.Data[off+i])
		} else {
			t.format(sb, dim+1, off+i*t.Strides[dim])
		}
	}
	sb.WriteByte(']')
}
