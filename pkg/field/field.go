// Package field provides normalized sampling grids and the
// scaling-and-squaring integrator that exponentiates a stationary
// velocity field into a diffeomorphic displacement field. The integrator
// is shared infrastructure: affine registration needs only the grids,
// while non-rigid pipelines consume the exponentiation.
package field

import (
	"errors"
	"fmt"
	"math"

	"volreg/pkg/diff"
)

// ErrDims reports a field dimensionality other than 2 or 3.
var ErrDims = errors.New("field: unsupported spatial dimensionality")

// DefaultSquaringSteps is the default number of scaling-and-squaring
// iterations; each step doubles the effective integration time.
const DefaultSquaringSteps = 6

// IdentityGrid builds the normalized identity sampling grid for the
// given spatial extents (storage order, e.g. [D, H, W]). The result is a
// constant tensor of shape [batch, ...spatial, dims] whose last axis is
// ordered (x, y[, z]): along every axis the coordinates run from -1 at
// the first sample to +1 at the last (corner-aligned).
func IdentityGrid(batch int, spatial []int) *diff.Tensor {
	d := len(spatial)
	voxels := diff.NumElems(spatial)

	strides := make([]int, d)
	strides[d-1] = 1
	for s := d - 2; s >= 0; s-- {
		strides[s] = strides[s+1] * spatial[s+1]
	}

	one := make([]float64, voxels*d)
	for p := 0; p < voxels; p++ {
		for a := 0; a < d; a++ {
			s := d - 1 - a
			j := (p / strides[s]) % spatial[s]
			if spatial[s] > 1 {
				one[p*d+a] = -1 + 2*float64(j)/float64(spatial[s]-1)
			}
		}
	}

	data := make([]float64, batch*voxels*d)
	for b := 0; b < batch; b++ {
		copy(data[b*voxels*d:(b+1)*voxels*d], one)
	}
	shape := append([]int{batch}, spatial...)
	shape = append(shape, d)
	return diff.Constant(data, shape)
}

// IdentityGridHomogeneous is IdentityGrid with a constant 1 appended to
// every coordinate, ready for homogeneous matrix application. Shape is
// [batch, ...spatial, dims+1].
func IdentityGridHomogeneous(batch int, spatial []int) *diff.Tensor {
	grid := IdentityGrid(batch, spatial)
	d := len(spatial)
	points := diff.NumElems(grid.Shape) / d
	data := make([]float64, points*(d+1))
	for p := 0; p < points; p++ {
		copy(data[p*(d+1):p*(d+1)+d], grid.Data[p*d:(p+1)*d])
		data[p*(d+1)+d] = 1
	}
	shape := append([]int(nil), grid.Shape...)
	shape[len(shape)-1] = d + 1
	return diff.Constant(data, shape)
}

// ScalingAndSquaring exponentiates the stationary velocity field u,
// shaped [N, ...spatial, dims], into a displacement field of the same
// shape. grid must be the matching identity sampling grid. The field is
// divided by 2^steps and then self-composed steps times:
//
//	v <- v + resample(v, v + grid)
//
// which approximates the group exponential and keeps the resulting
// transform invertible for small u. Gradients flow through every
// composition when u participates in a backward pass.
func ScalingAndSquaring(u, grid *diff.Tensor, steps int) (*diff.Tensor, error) {
	dims := u.Shape[len(u.Shape)-1]
	if dims != 2 && dims != 3 {
		return nil, fmt.Errorf("%w: %d-dimensional velocity field", ErrDims, dims)
	}
	if len(u.Shape) != dims+2 {
		return nil, fmt.Errorf("%w: velocity field shape %v", ErrDims, u.Shape)
	}
	if diff.NumElems(grid.Shape) != diff.NumElems(u.Shape) {
		return nil, fmt.Errorf("field: grid shape %v does not match field shape %v", grid.Shape, u.Shape)
	}
	if steps < 0 {
		return nil, fmt.Errorf("field: negative squaring step count %d", steps)
	}

	v := diff.Scale(u, 1/math.Pow(2, float64(steps)))
	for i := 0; i < steps; i++ {
		composed := diff.GridSample(diff.FieldToChannels(v), diff.Add(v, grid))
		v = diff.Add(v, diff.ChannelsToField(composed))
	}
	return v, nil
}

// ScalingAndSquaringNoGrad computes the same displacement field with no
// gradient tracking, for forward-only uses such as visualization where
// differentiating through the compositions would be wasted work.
func ScalingAndSquaringNoGrad(u []float64, shape []int, grid *diff.Tensor, steps int) ([]float64, error) {
	v, err := ScalingAndSquaring(diff.Constant(u, shape), grid, steps)
	if err != nil {
		return nil, err
	}
	return v.Data, nil
}
