// Package tensor holds the dense float32 arrays that make up model
// parameters and optimizer state, organized into named trees.
package tensor

import "fmt"

// Tensor is a dense row-major float32 array with an explicit shape.
// Compute always happens in float32; reduced-precision storage is handled
// at the checkpoint boundary.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero tensor with the given shape.
func New(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: invalid dimension %d", d))
		}
		n *= d
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Row returns row i of a 2-D tensor as a slice view.
func (t *Tensor) Row(i int) []float32 {
	if len(t.Shape) != 2 {
		panic("tensor: Row on non-matrix")
	}
	c := t.Shape[1]
	return t.Data[i*c : (i+1)*c]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
	return out
}

// Equal reports whether two tensors have identical shape and values.
func (t *Tensor) Equal(o *Tensor) bool {
	if !SameShape(t.Shape, o.Shape) {
		return false
	}
	for i := range t.Data {
		if t.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
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

// FillRand fills t with deterministic pseudo-random values in
// [-scale, scale) derived from seed. The sequence depends only on
// (seed, element index), so initialization is reproducible across
// processes and restarts.
func (t *Tensor) FillRand(seed uint64, scale float32) {
	s := splitmix{state: seed}
	for i := range t.Data {
		// 24 mantissa bits of uniform noise in [0,1).
		u := float32(s.next()>>40) / float32(1<<24)
		t.Data[i] = (2*u - 1) * scale
	}
}

// splitmix is the splitmix64 generator; tiny, seedable, and stable.
type splitmix struct {
	state uint64
}

func (s *splitmix) next() uint64 {
	s.state += 0x9e3779b97f4a7c15
	z := s.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
