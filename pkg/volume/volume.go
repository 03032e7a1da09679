// Package volume provides the batched image container consumed by the
// registration pipeline: flat float64 arrays with physical metadata
// (per-axis spacing and origin) and the matrices that convert between
// normalized sampling coordinates and physical (world) coordinates.
package volume

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch reports images that cannot form a batch or physical
// metadata that does not match the image dimensionality.
var ErrShapeMismatch = errors.New("volume: shape mismatch")

// InterpLinear is the only resampling mode the pipeline implements:
// corner-aligned bilinear/trilinear interpolation.
const InterpLinear = "linear"

// Image is a single- or multi-channel image with physical metadata.
// Data is stored flat in [C, (D,) H, W] order. Size lists the spatial
// extents in storage order ([H, W] for 2D, [D, H, W] for 3D), while
// Spacing and Origin are per coordinate axis in (x, y[, z]) order, where
// x indexes the fastest-varying storage axis.
type Image struct {
	Data     []float64
	Channels int
	Size     []int
	Spacing  []float64
	Origin   []float64
	Interp   string
}

// NewImage creates an image with unit spacing, zero origin and linear
// interpolation preference. The data length must equal channels times
// the product of size.
func NewImage(data []float64, channels int, size []int) (*Image, error) {
	n := channels
	for _, s := range size {
		n *= s
	}
	if len(data) != n {
		return nil, fmt.Errorf("%w: data length %d, want %d for %d channel(s) of %v",
			ErrShapeMismatch, len(data), n, channels, size)
	}
	dims := len(size)
	spacing := make([]float64, dims)
	origin := make([]float64, dims)
	for i := range spacing {
		spacing[i] = 1
	}
	return &Image{
		Data:     data,
		Channels: channels,
		Size:     append([]int(nil), size...),
		Spacing:  spacing,
		Origin:   origin,
		Interp:   InterpLinear,
	}, nil
}

// Dims returns the number of spatial dimensions.
func (im *Image) Dims() int { return len(im.Size) }

// axisExtent returns the extent along coordinate axis k (0=x, 1=y, 2=z).
// Coordinate axes run opposite to storage order.
func (im *Image) axisExtent(k int) int { return im.Size[len(im.Size)-1-k] }

// NormToPhys returns the (dims+1)x(dims+1) homogeneous matrix mapping
// normalized sampling coordinates to physical coordinates. The convention
// is corner-aligned: -1 maps to the first voxel center (the origin) and
// +1 to the last.
func (im *Image) NormToPhys() *mat.Dense {
	d := im.Dims()
	m := mat.NewDense(d+1, d+1, nil)
	for k := 0; k < d; k++ {
		half := im.Spacing[k] * float64(im.axisExtent(k)-1) / 2
		m.Set(k, k, half)
		m.Set(k, d, im.Origin[k]+half)
	}
	m.Set(d, d, 1)
	return m
}

// PhysToNorm returns the inverse of NormToPhys.
func (im *Image) PhysToNorm() (*mat.Dense, error) {
	var inv mat.Dense
	if err := inv.Inverse(im.NormToPhys()); err != nil {
		return nil, fmt.Errorf("volume: physical transform not invertible: %w", err)
	}
	return &inv, nil
}

func (im *Image) validate() error {
	dims := im.Dims()
	if dims != 2 && dims != 3 {
		return fmt.Errorf("%w: %d spatial dimensions, want 2 or 3", ErrShapeMismatch, dims)
	}
	if im.Channels < 1 {
		return fmt.Errorf("%w: channel count %d", ErrShapeMismatch, im.Channels)
	}
	for _, s := range im.Size {
		if s < 2 {
			return fmt.Errorf("%w: spatial extent %d, every axis needs at least 2 samples", ErrShapeMismatch, s)
		}
	}
	if len(im.Spacing) != dims || len(im.Origin) != dims {
		return fmt.Errorf("%w: spacing/origin must have %d entries", ErrShapeMismatch, dims)
	}
	for _, s := range im.Spacing {
		if s <= 0 {
			return fmt.Errorf("%w: non-positive spacing %g", ErrShapeMismatch, s)
		}
	}
	if im.Interp != InterpLinear {
		return fmt.Errorf("%w: unsupported interpolation mode %q", ErrShapeMismatch, im.Interp)
	}
	return nil
}

// Batch is an ordered collection of images with identical shape that are
// registered together. Physical metadata may differ between items.
type Batch struct {
	images []*Image
}

// NewBatch validates that all images share channel count and spatial
// size and assembles them into a batch.
func NewBatch(images ...*Image) (*Batch, error) {
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrShapeMismatch)
	}
	first := images[0]
	if err := first.validate(); err != nil {
		return nil, err
	}
	for _, im := range images[1:] {
		if err := im.validate(); err != nil {
			return nil, err
		}
		if im.Channels != first.Channels || !equalInts(im.Size, first.Size) {
			return nil, fmt.Errorf("%w: batch items differ, %d/%v vs %d/%v",
				ErrShapeMismatch, im.Channels, im.Size, first.Channels, first.Size)
		}
	}
	return &Batch{images: images}, nil
}

func equalInts(a, b []int) bool {
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

// Size returns the number of images in the batch.
func (b *Batch) Size() int { return len(b.images) }

// Dims returns the spatial dimensionality shared by the batch.
func (b *Batch) Dims() int { return b.images[0].Dims() }

// Channels returns the per-image channel count.
func (b *Batch) Channels() int { return b.images[0].Channels }

// SpatialSize returns the spatial extents in storage order.
func (b *Batch) SpatialSize() []int {
	return append([]int(nil), b.images[0].Size...)
}

// Image returns the i-th image.
func (b *Batch) Image(i int) *Image { return b.images[i] }

// Interp returns the preferred interpolation mode of the batch.
func (b *Batch) Interp() string { return b.images[0].Interp }

// Array concatenates the batch into a single flat array with shape
// ArrayShape(), i.e. [N, C, (D,) H, W].
func (b *Batch) Array() []float64 {
	per := len(b.images[0].Data)
	out := make([]float64, per*len(b.images))
	for i, im := range b.images {
		copy(out[i*per:(i+1)*per], im.Data)
	}
	return out
}

// ArrayShape returns the shape of Array().
func (b *Batch) ArrayShape() []int {
	shape := []int{len(b.images), b.images[0].Channels}
	return append(shape, b.images[0].Size...)
}

// NormToPhysTensor flattens the per-item normalized-to-physical matrices
// into [N, dims+1, dims+1] row-major data for the transform pipeline.
func (b *Batch) NormToPhysTensor() []float64 {
	d := b.Dims() + 1
	out := make([]float64, len(b.images)*d*d)
	for i, im := range b.images {
		m := im.NormToPhys()
		for r := 0; r < d; r++ {
			for c := 0; c < d; c++ {
				out[(i*d+r)*d+c] = m.At(r, c)
			}
		}
	}
	return out
}

// PhysToNormTensor flattens the per-item physical-to-normalized matrices
// into [N, dims+1, dims+1] row-major data.
func (b *Batch) PhysToNormTensor() ([]float64, error) {
	d := b.Dims() + 1
	out := make([]float64, len(b.images)*d*d)
	for i, im := range b.images {
		m, err := im.PhysToNorm()
		if err != nil {
			return nil, err
		}
		for r := 0; r < d; r++ {
			for c := 0; c < d; c++ {
				out[(i*d+r)*d+c] = m.At(r, c)
			}
		}
	}
	return out, nil
}
