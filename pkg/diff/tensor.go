// Package diff implements the minimal reverse-mode differentiation tape
// used by the registration pipeline. It is deliberately not a general
// tensor-algebra library: it provides flat float64 tensors and exactly
// the differentiable operations the affine registration loop and the
// deformation-field utilities need (homogeneous transform application,
// corner-aligned grid sampling, and a few elementwise/permute helpers).
package diff

import "fmt"

// Tensor is a multi-dimensional array of float64 values stored flat in
// row-major order. Tensors created by Variable participate in gradient
// computation; tensors created by Constant (and operations whose inputs
// are all constant) carry no gradient state.
type Tensor struct {
	// Data holds the values in row-major order.
	Data []float64

	// Shape holds the extent of each axis.
	Shape []int

	// Grad accumulates the gradient of a scalar with respect to Data.
	// It is nil for constants.
	Grad []float64

	requiresGrad bool
	parents      []*Tensor
	back         func()
}

// NumElems returns the number of elements implied by shape.
func NumElems(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func checkShape(data []float64, shape []int) {
	if len(data) != NumElems(shape) {
		panic(fmt.Sprintf("diff: data length %d does not match shape %v", len(data), shape))
	}
}

// Variable creates a leaf tensor that gradients are computed for.
// The data slice is used directly, not copied, so optimizer updates to
// it are visible through the tensor.
func Variable(data []float64, shape []int) *Tensor {
	checkShape(data, shape)
	return &Tensor{
		Data:         data,
		Shape:        append([]int(nil), shape...),
		Grad:         make([]float64, len(data)),
		requiresGrad: true,
	}
}

// Constant creates a leaf tensor that no gradient is tracked for.
func Constant(data []float64, shape []int) *Tensor {
	checkShape(data, shape)
	return &Tensor{
		Data:  data,
		Shape: append([]int(nil), shape...),
	}
}

// RequiresGrad reports whether the tensor participates in backward passes.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// ZeroGrad clears the accumulated gradient of a variable.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Detach returns a constant copy of the tensor that shares no state with
// the original and records no history.
func (t *Tensor) Detach() *Tensor {
	data := make([]float64, len(t.Data))
	copy(data, t.Data)
	return Constant(data, t.Shape)
}

// operation builds a graph node. The backward closure, if the node ends
// up requiring gradients, must scatter out.Grad into the Grad buffers of
// those parents that require gradients.
func operation(data []float64, shape []int, parents []*Tensor, back func(out *Tensor)) *Tensor {
	checkShape(data, shape)
	t := &Tensor{
		Data:  data,
		Shape: append([]int(nil), shape...),
	}
	for _, p := range parents {
		if p.requiresGrad {
			t.requiresGrad = true
			break
		}
	}
	if t.requiresGrad {
		t.Grad = make([]float64, len(data))
		t.parents = parents
		t.back = func() { back(t) }
	}
	return t
}

// Backward computes gradients of a scalar tensor with respect to every
// variable it depends on, accumulating into their Grad buffers.
func (t *Tensor) Backward() error {
	if len(t.Data) != 1 {
		return fmt.Errorf("diff: backward requires a scalar, got shape %v", t.Shape)
	}
	if !t.requiresGrad {
		return nil
	}
	t.Grad[0] = 1

	// Topological order over the recorded graph, leaves last.
	var order []*Tensor
	visited := map[*Tensor]bool{}
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		for _, p := range n.parents {
			visit(p)
		}
		order = append(order, n)
	}
	visit(t)

	for i := len(order) - 1; i >= 0; i-- {
		if order[i].back != nil {
			order[i].back()
		}
	}
	return nil
}
