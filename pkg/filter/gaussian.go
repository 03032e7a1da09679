// Package filter implements the image-space primitives of the
// registration pipeline: separable Gaussian smoothing, anti-aliased
// downsampling for the multi-scale pyramid, and the central-difference
// image gradient estimator.
package filter

import (
	"errors"
	"fmt"
	"math"
)

// ErrDims reports a spatial dimensionality other than 2 or 3.
var ErrDims = errors.New("filter: unsupported spatial dimensionality")

// DefaultTruncate is where Gaussian kernels are cut off, in standard
// deviations.
const DefaultTruncate = 2.0

// Gaussian1D builds a normalized one-dimensional Gaussian kernel with
// the given standard deviation (in voxels), truncated at truncated
// standard deviations. A non-positive sigma yields the identity kernel.
func Gaussian1D(sigma, truncated float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}
	tail := int(sigma*truncated + 0.5)
	if tail < 1 {
		tail = 1
	}
	kernel := make([]float64, 2*tail+1)
	sum := 0.0
	for j := -tail; j <= tail; j++ {
		w := math.Exp(-0.5 * float64(j) * float64(j) / (sigma * sigma))
		kernel[j+tail] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// Smooth applies one 1D kernel per spatial axis as a separable
// convolution with replicate edge padding. data is laid out
// [N, C, (D,) H, W]; kernels are ordered like the storage axes
// ((D,) H, W). The input is not modified.
func Smooth(data []float64, shape []int, kernels [][]float64) ([]float64, error) {
	d := len(shape) - 2
	if d < 1 {
		return nil, fmt.Errorf("%w: shape %v has no spatial axes", ErrDims, shape)
	}
	if len(kernels) != d {
		return nil, fmt.Errorf("filter: %d kernels for %d spatial axes", len(kernels), d)
	}
	cur := append([]float64(nil), data...)
	for axis := 0; axis < d; axis++ {
		cur = convolveAxis(cur, shape, 2+axis, kernels[axis])
	}
	return cur, nil
}

// convolveAxis convolves along one axis of an arbitrarily shaped array,
// clamping indices at the edges (replicate padding).
func convolveAxis(data []float64, shape []int, axis int, kernel []float64) []float64 {
	if len(kernel) == 1 && kernel[0] == 1 {
		return data
	}
	outer := 1
	for _, s := range shape[:axis] {
		outer *= s
	}
	length := shape[axis]
	inner := 1
	for _, s := range shape[axis+1:] {
		inner *= s
	}
	radius := len(kernel) / 2

	out := make([]float64, len(data))
	for o := 0; o < outer; o++ {
		base := o * length * inner
		for i := 0; i < inner; i++ {
			for j := 0; j < length; j++ {
				sum := 0.0
				for t, k := range kernel {
					src := j + t - radius
					if src < 0 {
						src = 0
					} else if src >= length {
						src = length - 1
					}
					sum += k * data[base+src*inner+i]
				}
				out[base+j*inner+i] = sum
			}
		}
	}
	return out
}

// Resize resamples data, laid out [N, C, (D,) H, W], to the target
// spatial size using corner-aligned linear interpolation: the first and
// last samples of every axis stay pinned to the first and last samples
// of the source.
func Resize(data []float64, shape []int, target []int) ([]float64, []int, error) {
	d := len(shape) - 2
	if len(target) != d {
		return nil, nil, fmt.Errorf("%w: target %v for %d spatial axes", ErrDims, target, d)
	}
	for _, t := range target {
		if t < 1 {
			return nil, nil, fmt.Errorf("filter: invalid target size %v", target)
		}
	}
	switch d {
	case 2:
		out := resize2D(data, shape, target)
		return out, []int{shape[0], shape[1], target[0], target[1]}, nil
	case 3:
		out := resize3D(data, shape, target)
		return out, []int{shape[0], shape[1], target[0], target[1], target[2]}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %d spatial axes", ErrDims, d)
	}
}

// srcPos maps a corner-aligned output index to its source position and
// returns the lower sample, its weight complement, and the upper sample.
func srcPos(out, outLen, srcLen int) (int, int, float64) {
	if outLen == 1 || srcLen == 1 {
		return 0, 0, 0
	}
	pos := float64(out) * float64(srcLen-1) / float64(outLen-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi > srcLen-1 {
		hi = srcLen - 1
	}
	return lo, hi, pos - float64(lo)
}

func resize2D(data []float64, shape, target []int) []float64 {
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	th, tw := target[0], target[1]
	out := make([]float64, n*c*th*tw)
	for nc := 0; nc < n*c; nc++ {
		src := data[nc*h*w : (nc+1)*h*w]
		dst := out[nc*th*tw : (nc+1)*th*tw]
		for oy := 0; oy < th; oy++ {
			y0, y1, wy := srcPos(oy, th, h)
			for ox := 0; ox < tw; ox++ {
				x0, x1, wx := srcPos(ox, tw, w)
				dst[oy*tw+ox] = (1-wy)*((1-wx)*src[y0*w+x0]+wx*src[y0*w+x1]) +
					wy*((1-wx)*src[y1*w+x0]+wx*src[y1*w+x1])
			}
		}
	}
	return out
}

func resize3D(data []float64, shape, target []int) []float64 {
	n, c, dep, h, w := shape[0], shape[1], shape[2], shape[3], shape[4]
	td, th, tw := target[0], target[1], target[2]
	out := make([]float64, n*c*td*th*tw)
	for nc := 0; nc < n*c; nc++ {
		src := data[nc*dep*h*w : (nc+1)*dep*h*w]
		dst := out[nc*td*th*tw : (nc+1)*td*th*tw]
		for oz := 0; oz < td; oz++ {
			z0, z1, wz := srcPos(oz, td, dep)
			for oy := 0; oy < th; oy++ {
				y0, y1, wy := srcPos(oy, th, h)
				for ox := 0; ox < tw; ox++ {
					x0, x1, wx := srcPos(ox, tw, w)
					v000 := src[(z0*h+y0)*w+x0]
					v001 := src[(z0*h+y0)*w+x1]
					v010 := src[(z0*h+y1)*w+x0]
					v011 := src[(z0*h+y1)*w+x1]
					v100 := src[(z1*h+y0)*w+x0]
					v101 := src[(z1*h+y0)*w+x1]
					v110 := src[(z1*h+y1)*w+x0]
					v111 := src[(z1*h+y1)*w+x1]
					lo := (1-wy)*((1-wx)*v000+wx*v001) + wy*((1-wx)*v010+wx*v011)
					hi := (1-wy)*((1-wx)*v100+wx*v101) + wy*((1-wx)*v110+wx*v111)
					dst[(oz*th+oy)*tw+ox] = (1-wz)*lo + wz*hi
				}
			}
		}
	}
	return out
}

// Downsample produces an anti-aliased copy of data, laid out
// [N, C, (D,) H, W], at the target spatial size. When kernels is nil the
// smoothing kernels are derived from sigma, and when sigma is nil too a
// per-axis sigma of 0.5*original/target is used, the standard
// anti-aliasing heuristic proportional to the downsampling ratio.
// Callers with precomputed kernels pass them to skip sigma inference.
func Downsample(data []float64, shape []int, target []int, sigma []float64, kernels [][]float64) ([]float64, []int, error) {
	d := len(shape) - 2
	if d != 2 && d != 3 {
		return nil, nil, fmt.Errorf("%w: %d spatial axes", ErrDims, d)
	}
	if len(target) != d {
		return nil, nil, fmt.Errorf("filter: target %v for %d spatial axes", target, d)
	}
	if kernels == nil {
		if sigma == nil {
			sigma = make([]float64, d)
			for i := 0; i < d; i++ {
				sigma[i] = 0.5 * float64(shape[2+i]) / float64(target[i])
			}
		} else if len(sigma) != d {
			return nil, nil, fmt.Errorf("filter: sigma %v for %d spatial axes", sigma, d)
		}
		kernels = make([][]float64, d)
		for i, s := range sigma {
			kernels[i] = Gaussian1D(s, DefaultTruncate)
		}
	}
	smooth, err := Smooth(data, shape, kernels)
	if err != nil {
		return nil, nil, err
	}
	return Resize(smooth, shape, target)
}
