// Package registration implements multi-resolution intensity-based
// affine registration: it estimates, per batch item, a linear map plus
// translation in normalized coordinates that resamples the moving image
// into agreement with the fixed image. The optimization composes
// transforms in physical space, so fixed and moving images with
// independent voxel spacing and origin register correctly.
package registration

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"volreg/pkg/diff"
	"volreg/pkg/field"
	"volreg/pkg/filter"
	"volreg/pkg/optim"
	"volreg/pkg/volume"
)

// ErrConfig reports an invalid registration configuration. It is raised
// at construction, never during iteration.
var ErrConfig = errors.New("registration: invalid configuration")

// ErrNumeric reports numeric instability during optimization: a loss
// that diverged to a non-finite value, a degenerate similarity metric,
// or a relative convergence test against a zero previous loss.
var ErrNumeric = errors.New("registration: numeric instability")

// MinImageSize is the smallest per-axis extent a downsampled fixed image
// is allowed to have; coarse scales are clamped to it.
const MinImageSize = 8

// Progress reports per-iteration state to the caller. It is a pure side
// effect with no influence on control flow.
type Progress func(scale, iteration, iterations int, loss float64)

// Params configures one registration session.
type Params struct {
	// Scales is the ordered list of downsampling factors, coarse to
	// fine (largest first). Iterations holds the matching per-scale
	// iteration budgets; the two must have equal length.
	Scales     []int
	Iterations []int

	// Fixed and Moving are the image batches to register. They must
	// agree in batch size, channel count and dimensionality; spatial
	// sizes and physical metadata may differ.
	Fixed  *volume.Batch
	Moving *volume.Batch

	// LossType selects a built-in similarity metric ("cc" or "mse",
	// default "cc"). CustomLoss, when non-nil, overrides it.
	LossType   string
	CustomLoss Loss

	// OptimizerRule selects the update rule ("sgd" or "adam", default
	// "sgd"); Optim carries its hyperparameters. A zero learning rate
	// defaults to 0.1.
	OptimizerRule string
	Optim         optim.Config

	// Convergence policy: iteration at a scale stops early once the
	// non-improvement counter exceeds MaxToleranceIters. ToleranceMode
	// is "atol" (default) or "rtol".
	Tolerance         float64
	MaxToleranceIters int
	ToleranceMode     string

	// InitAffine, when non-nil, seeds the free affine block verbatim.
	// It must hold batch x dims x (dims+1) row-major values; any other
	// length is a configuration error.
	InitAffine []float64

	// Progress, when non-nil, is called once per iteration.
	Progress Progress
}

// MovedImage is a resampled moving image recorded at the end of a scale.
type MovedImage struct {
	Data  []float64
	Shape []int
}

// AffineRegistration owns the optimizable affine parameters and the
// optimizer state for one session. One session registers one pair of
// batches; sessions share nothing and independent sessions may run
// concurrently.
type AffineRegistration struct {
	params Params
	dims   int

	// affine is the free [N, dims, dims+1] parameter block; row is the
	// fixed homogeneous identity row, concatenated on every read and
	// never touched by gradient updates.
	affine *diff.Tensor
	row    *diff.Tensor

	opt  optim.Optimizer
	loss Loss
	conv *convergence

	moved []MovedImage
}

// NewAffineRegistration validates the configuration and prepares a
// session. All configuration errors surface here, before any
// optimization work begins.
func NewAffineRegistration(p Params) (*AffineRegistration, error) {
	if p.Fixed == nil || p.Moving == nil {
		return nil, fmt.Errorf("%w: fixed and moving image batches are required", ErrConfig)
	}
	if len(p.Scales) == 0 || len(p.Scales) != len(p.Iterations) {
		return nil, fmt.Errorf("%w: %d scales with %d iteration budgets", ErrConfig, len(p.Scales), len(p.Iterations))
	}
	for _, s := range p.Scales {
		if s < 1 {
			return nil, fmt.Errorf("%w: downsampling factor %d", ErrConfig, s)
		}
	}
	for _, it := range p.Iterations {
		if it < 0 {
			return nil, fmt.Errorf("%w: negative iteration budget %d", ErrConfig, it)
		}
	}
	if p.Fixed.Size() != p.Moving.Size() {
		return nil, fmt.Errorf("%w: batch sizes differ, fixed %d vs moving %d", ErrConfig, p.Fixed.Size(), p.Moving.Size())
	}
	if p.Fixed.Dims() != p.Moving.Dims() {
		return nil, fmt.Errorf("%w: dimensionality differs, fixed %dD vs moving %dD", ErrConfig, p.Fixed.Dims(), p.Moving.Dims())
	}
	if p.Fixed.Channels() != p.Moving.Channels() {
		return nil, fmt.Errorf("%w: channel counts differ", ErrConfig)
	}

	dims := p.Fixed.Dims()
	n := p.Fixed.Size()

	loss := p.CustomLoss
	if loss == nil {
		name := p.LossType
		if name == "" {
			name = LossCC
		}
		var err error
		if loss, err = NewLoss(name); err != nil {
			return nil, err
		}
	}

	mode := p.ToleranceMode
	if mode == "" {
		mode = ToleranceAbsolute
	}
	conv, err := newConvergence(p.Tolerance, p.MaxToleranceIters, mode)
	if err != nil {
		return nil, err
	}

	// Free affine block: identity linear part with zero translation,
	// unless the caller supplies an initial matrix verbatim.
	free := make([]float64, n*dims*(dims+1))
	if p.InitAffine != nil {
		if len(p.InitAffine) != len(free) {
			return nil, fmt.Errorf("%w: initial affine has %d values, want %d (batch %d, %dD)",
				ErrConfig, len(p.InitAffine), len(free), n, dims)
		}
		copy(free, p.InitAffine)
	} else {
		for b := 0; b < n; b++ {
			for r := 0; r < dims; r++ {
				free[(b*dims+r)*(dims+1)+r] = 1
			}
		}
	}

	row := make([]float64, n*(dims+1))
	for b := 0; b < n; b++ {
		row[b*(dims+1)+dims] = 1
	}

	rule := p.OptimizerRule
	if rule == "" {
		rule = "sgd"
	}
	cfg := p.Optim
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.1
	}
	opt, err := optim.New(rule, len(free), cfg)
	if err != nil {
		return nil, err
	}

	return &AffineRegistration{
		params: p,
		dims:   dims,
		affine: diff.Variable(free, []int{n, dims, dims + 1}),
		row:    diff.Constant(row, []int{n, 1, dims + 1}),
		opt:    opt,
		loss:   loss,
		conv:   conv,
	}, nil
}

// Matrix returns the current full affine transform as a graph node of
// shape [N, dims+1, dims+1]: the free block with the homogeneous
// identity row concatenated below it. The row is rebuilt on every read
// and is invisible to the optimizer.
func (r *AffineRegistration) Matrix() *diff.Tensor {
	return diff.ConcatRow(r.affine, r.row)
}

// FinalMatrices returns the current per-item affine matrices.
func (r *AffineRegistration) FinalMatrices() []*mat.Dense {
	full := r.Matrix()
	n := full.Shape[0]
	d := full.Shape[1]
	out := make([]*mat.Dense, n)
	for b := 0; b < n; b++ {
		out[b] = mat.NewDense(d, d, append([]float64(nil), full.Data[b*d*d:(b+1)*d*d]...))
	}
	return out
}

// MovedImages returns the per-scale moved images recorded by
// Optimize(true), one per scale, coarse to fine.
func (r *AffineRegistration) MovedImages() []MovedImage { return r.moved }

// Run executes the full scale schedule without recording moved images.
func (r *AffineRegistration) Run() error { return r.Optimize(false) }

// Optimize drives the coarse-to-fine schedule. At each scale the fixed
// image is downsampled and its physical-space sampling grid built once;
// every iteration then resamples the moving image through the current
// affine estimate, evaluates the loss, backpropagates to the affine
// parameters, applies one optimizer step, and checks the convergence
// policy. When saveMoved is true the last moved image of every scale is
// recorded.
func (r *AffineRegistration) Optimize(saveMoved bool) error {
	p := r.params
	n := p.Fixed.Size()

	fixedArr := p.Fixed.Array()
	fixedShape := p.Fixed.ArrayShape()
	fixedSize := p.Fixed.SpatialSize()
	movingT := diff.Constant(p.Moving.Array(), p.Moving.ArrayShape())

	fixedT2P := diff.Constant(p.Fixed.NormToPhysTensor(), []int{n, r.dims + 1, r.dims + 1})
	p2tData, err := p.Moving.PhysToNormTensor()
	if err != nil {
		return err
	}
	movingP2T := diff.Constant(p2tData, []int{n, r.dims + 1, r.dims + 1})

	if saveMoved {
		r.moved = r.moved[:0]
	}

	for si, scale := range p.Scales {
		iters := p.Iterations[si]

		// Scale setup: downsampled fixed image and its grid, mapped to
		// physical space once; only the affine estimate changes between
		// iterations.
		sizeDown := make([]int, r.dims)
		for i := range sizeDown {
			sizeDown[i] = fixedSize[i] / scale
			if sizeDown[i] < MinImageSize {
				sizeDown[i] = MinImageSize
			}
		}
		fixedDown, downShape, err := filter.Downsample(fixedArr, fixedShape, sizeDown, nil, nil)
		if err != nil {
			return err
		}
		fixedDownT := diff.Constant(fixedDown, downShape)
		gridPhys := diff.ApplyTransform(fixedT2P, field.IdentityGridHomogeneous(n, sizeDown))

		r.conv.reset()
		var lastMoved *diff.Tensor

		for it := 0; it < iters; it++ {
			r.affine.ZeroGrad()

			coords := diff.ApplyTransform(r.Matrix(), gridPhys)
			coords = diff.ApplyTransform(movingP2T, coords)
			coords = diff.DropHomogeneous(coords)
			moved := diff.GridSample(movingT, coords)

			lossT, err := r.loss.Eval(moved, fixedDownT)
			if err != nil {
				return err
			}
			if err := lossT.Backward(); err != nil {
				return err
			}
			if err := r.opt.Step(r.affine.Data, r.affine.Grad); err != nil {
				return err
			}
			lastMoved = moved

			if p.Progress != nil {
				p.Progress(scale, it+1, iters, lossT.Data[0])
			}

			stop, err := r.conv.update(lossT.Data[0])
			if err != nil {
				return err
			}
			if stop {
				break
			}
		}

		if saveMoved && lastMoved != nil {
			r.moved = append(r.moved, MovedImage{
				Data:  append([]float64(nil), lastMoved.Data...),
				Shape: append([]int(nil), lastMoved.Shape...),
			})
		}
	}
	return nil
}
