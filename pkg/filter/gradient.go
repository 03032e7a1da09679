package filter

import (
	"errors"
	"fmt"

	"volreg/pkg/diff"
)

// ErrMultiChannel reports an image gradient request on multichannel
// input, which is not supported.
var ErrMultiChannel = errors.New("filter: image gradient requires a single-channel image")

// ImageGradient computes the spatial gradient of a single-channel image
// with the 3-tap central-difference kernel [-1, 0, 1] along each spatial
// axis, using zero padding so the spatial shape is preserved. The input
// is laid out [N, 1, (D,) H, W]; the output has one channel per spatial
// axis in (x, y[, z]) order, where x is the fastest-varying axis.
// Gradients propagate back to the input image.
func ImageGradient(img *diff.Tensor) (*diff.Tensor, error) {
	if len(img.Shape) < 3 {
		return nil, fmt.Errorf("%w: shape %v", ErrDims, img.Shape)
	}
	d := len(img.Shape) - 2
	if d != 2 && d != 3 {
		return nil, fmt.Errorf("%w: %d spatial axes", ErrDims, d)
	}
	if img.Shape[1] != 1 {
		return nil, fmt.Errorf("%w: got %d channels", ErrMultiChannel, img.Shape[1])
	}

	n := img.Shape[0]
	spatial := img.Shape[2:]
	voxels := diff.NumElems(spatial)

	// Strides of the storage axes; coordinate axis a maps to storage
	// axis d-1-a (x is the fastest-varying axis).
	strides := make([]int, d)
	strides[d-1] = 1
	for s := d - 2; s >= 0; s-- {
		strides[s] = strides[s+1] * spatial[s+1]
	}

	outShape := append([]int{n, d}, spatial...)
	out := make([]float64, n*d*voxels)
	for b := 0; b < n; b++ {
		src := img.Data[b*voxels : (b+1)*voxels]
		for a := 0; a < d; a++ {
			s := d - 1 - a
			stride, length := strides[s], spatial[s]
			dst := out[(b*d+a)*voxels : (b*d+a+1)*voxels]
			for p := 0; p < voxels; p++ {
				j := (p / stride) % length
				var hi, lo float64
				if j+1 < length {
					hi = src[p+stride]
				}
				if j-1 >= 0 {
					lo = src[p-stride]
				}
				dst[p] = hi - lo
			}
		}
	}

	return diff.Op(out, outShape, []*diff.Tensor{img}, func(node *diff.Tensor) {
		if !img.RequiresGrad() {
			return
		}
		for b := 0; b < n; b++ {
			grad := img.Grad[b*voxels : (b+1)*voxels]
			for a := 0; a < d; a++ {
				s := d - 1 - a
				stride, length := strides[s], spatial[s]
				gout := node.Grad[(b*d+a)*voxels : (b*d+a+1)*voxels]
				for p := 0; p < voxels; p++ {
					g := gout[p]
					if g == 0 {
						continue
					}
					j := (p / stride) % length
					if j+1 < length {
						grad[p+stride] += g
					}
					if j-1 >= 0 {
						grad[p-stride] -= g
					}
				}
			}
		}
	}), nil
}

// ImageGradientNoGrad computes the same central-difference gradient with
// no gradient tracking, for callers that only need the forward values.
func ImageGradientNoGrad(data []float64, shape []int) ([]float64, []int, error) {
	out, err := ImageGradient(diff.Constant(data, shape))
	if err != nil {
		return nil, nil, err
	}
	return out.Data, out.Shape, nil
}
