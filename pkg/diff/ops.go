package diff

import "fmt"

// Op builds a custom differentiable node from precomputed forward data.
// The backward closure receives the node and must scatter out.Grad into
// the Grad buffers of the parents that require gradients. Packages that
// contribute their own operations (image gradients, losses) use this.
func Op(data []float64, shape []int, parents []*Tensor, back func(out *Tensor)) *Tensor {
	return operation(data, shape, parents, back)
}

// ApplyTransform applies a batch of matrices m, shaped [N, T, D], to a
// field of points pts shaped [N, ..., D], producing [N, ..., T]:
//
//	out[n, ..., t] = sum_d m[n, t, d] * pts[n, ..., d]
//
// This is the homogeneous-coordinate matrix application used by the
// coordinate transform pipeline.
func ApplyTransform(m, pts *Tensor) *Tensor {
	if len(m.Shape) != 3 {
		panic(fmt.Sprintf("diff: transform must be [N,T,D], got %v", m.Shape))
	}
	n, t, d := m.Shape[0], m.Shape[1], m.Shape[2]
	if pts.Shape[0] != n || pts.Shape[len(pts.Shape)-1] != d {
		panic(fmt.Sprintf("diff: points %v incompatible with transform %v", pts.Shape, m.Shape))
	}
	perBatch := NumElems(pts.Shape[1 : len(pts.Shape)-1])

	outShape := append([]int(nil), pts.Shape...)
	outShape[len(outShape)-1] = t
	out := make([]float64, n*perBatch*t)

	for b := 0; b < n; b++ {
		mb := m.Data[b*t*d : (b+1)*t*d]
		for p := 0; p < perBatch; p++ {
			in := pts.Data[(b*perBatch+p)*d : (b*perBatch+p+1)*d]
			o := out[(b*perBatch+p)*t : (b*perBatch+p+1)*t]
			for r := 0; r < t; r++ {
				sum := 0.0
				row := mb[r*d : (r+1)*d]
				for c := 0; c < d; c++ {
					sum += row[c] * in[c]
				}
				o[r] = sum
			}
		}
	}

	return operation(out, outShape, []*Tensor{m, pts}, func(node *Tensor) {
		for b := 0; b < n; b++ {
			mb := m.Data[b*t*d : (b+1)*t*d]
			for p := 0; p < perBatch; p++ {
				in := pts.Data[(b*perBatch+p)*d : (b*perBatch+p+1)*d]
				g := node.Grad[(b*perBatch+p)*t : (b*perBatch+p+1)*t]
				for r := 0; r < t; r++ {
					if g[r] == 0 {
						continue
					}
					for c := 0; c < d; c++ {
						if m.requiresGrad {
							m.Grad[b*t*d+r*d+c] += g[r] * in[c]
						}
						if pts.requiresGrad {
							pts.Grad[(b*perBatch+p)*d+c] += g[r] * mb[r*d+c]
						}
					}
				}
			}
		}
	})
}

// ConcatRow appends row, shaped [N, 1, C], below free, shaped [N, R, C],
// producing [N, R+1, C]. Gradients flow only into free: the appended row
// is the fixed homogeneous identity row and is never optimized.
func ConcatRow(free, row *Tensor) *Tensor {
	if len(free.Shape) != 3 || len(row.Shape) != 3 || row.Shape[1] != 1 ||
		free.Shape[0] != row.Shape[0] || free.Shape[2] != row.Shape[2] {
		panic(fmt.Sprintf("diff: cannot concat row %v to %v", row.Shape, free.Shape))
	}
	n, r, c := free.Shape[0], free.Shape[1], free.Shape[2]
	out := make([]float64, n*(r+1)*c)
	for b := 0; b < n; b++ {
		copy(out[b*(r+1)*c:b*(r+1)*c+r*c], free.Data[b*r*c:(b+1)*r*c])
		copy(out[b*(r+1)*c+r*c:(b+1)*(r+1)*c], row.Data[b*c:(b+1)*c])
	}
	return operation(out, []int{n, r + 1, c}, []*Tensor{free, row}, func(node *Tensor) {
		if !free.requiresGrad {
			return
		}
		for b := 0; b < n; b++ {
			for i := 0; i < r*c; i++ {
				free.Grad[b*r*c+i] += node.Grad[b*(r+1)*c+i]
			}
		}
	})
}

// DropHomogeneous removes the trailing homogeneous component of a
// coordinate field shaped [..., D+1], producing [..., D].
func DropHomogeneous(t *Tensor) *Tensor {
	last := t.Shape[len(t.Shape)-1]
	if last < 2 {
		panic(fmt.Sprintf("diff: cannot drop homogeneous component of shape %v", t.Shape))
	}
	d := last - 1
	points := NumElems(t.Shape) / last
	outShape := append([]int(nil), t.Shape...)
	outShape[len(outShape)-1] = d
	out := make([]float64, points*d)
	for p := 0; p < points; p++ {
		copy(out[p*d:(p+1)*d], t.Data[p*last:p*last+d])
	}
	return operation(out, outShape, []*Tensor{t}, func(node *Tensor) {
		if !t.requiresGrad {
			return
		}
		for p := 0; p < points; p++ {
			for i := 0; i < d; i++ {
				t.Grad[p*last+i] += node.Grad[p*d+i]
			}
		}
	})
}

// Add returns the elementwise sum of two tensors of identical shape.
func Add(a, b *Tensor) *Tensor {
	if NumElems(a.Shape) != NumElems(b.Shape) {
		panic(fmt.Sprintf("diff: add shape mismatch %v vs %v", a.Shape, b.Shape))
	}
	out := make([]float64, len(a.Data))
	for i := range out {
		out[i] = a.Data[i] + b.Data[i]
	}
	return operation(out, a.Shape, []*Tensor{a, b}, func(node *Tensor) {
		for i, g := range node.Grad {
			if a.requiresGrad {
				a.Grad[i] += g
			}
			if b.requiresGrad {
				b.Grad[i] += g
			}
		}
	})
}

// Scale multiplies every element by s.
func Scale(a *Tensor, s float64) *Tensor {
	out := make([]float64, len(a.Data))
	for i := range out {
		out[i] = a.Data[i] * s
	}
	return operation(out, a.Shape, []*Tensor{a}, func(node *Tensor) {
		if !a.requiresGrad {
			return
		}
		for i, g := range node.Grad {
			a.Grad[i] += g * s
		}
	})
}

// FieldToChannels permutes a vector field [N, S..., d] into the image
// layout [N, d, S...] so it can be resampled by GridSample.
func FieldToChannels(f *Tensor) *Tensor {
	dims := len(f.Shape) - 2
	n := f.Shape[0]
	d := f.Shape[len(f.Shape)-1]
	spatial := NumElems(f.Shape[1 : len(f.Shape)-1])

	outShape := make([]int, 0, len(f.Shape))
	outShape = append(outShape, n, d)
	outShape = append(outShape, f.Shape[1:1+dims]...)
	out := make([]float64, len(f.Data))
	for b := 0; b < n; b++ {
		for p := 0; p < spatial; p++ {
			for c := 0; c < d; c++ {
				out[(b*d+c)*spatial+p] = f.Data[(b*spatial+p)*d+c]
			}
		}
	}
	return operation(out, outShape, []*Tensor{f}, func(node *Tensor) {
		if !f.requiresGrad {
			return
		}
		for b := 0; b < n; b++ {
			for p := 0; p < spatial; p++ {
				for c := 0; c < d; c++ {
					f.Grad[(b*spatial+p)*d+c] += node.Grad[(b*d+c)*spatial+p]
				}
			}
		}
	})
}

// ChannelsToField is the inverse permute of FieldToChannels, turning
// [N, d, S...] back into [N, S..., d].
func ChannelsToField(img *Tensor) *Tensor {
	n := img.Shape[0]
	d := img.Shape[1]
	spatial := NumElems(img.Shape[2:])

	outShape := make([]int, 0, len(img.Shape))
	outShape = append(outShape, n)
	outShape = append(outShape, img.Shape[2:]...)
	outShape = append(outShape, d)
	out := make([]float64, len(img.Data))
	for b := 0; b < n; b++ {
		for p := 0; p < spatial; p++ {
			for c := 0; c < d; c++ {
				out[(b*spatial+p)*d+c] = img.Data[(b*d+c)*spatial+p]
			}
		}
	}
	return operation(out, outShape, []*Tensor{img}, func(node *Tensor) {
		if !img.requiresGrad {
			return
		}
		for b := 0; b < n; b++ {
			for p := 0; p < spatial; p++ {
				for c := 0; c < d; c++ {
					img.Grad[(b*d+c)*spatial+p] += node.Grad[(b*spatial+p)*d+c]
				}
			}
		}
	})
}
