package registration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"volreg/pkg/diff"
)

// Loss is the differentiable similarity metric contract: it produces a
// scalar graph node from the moved image and the (constant) fixed image.
// Gradients must flow back into moved; the fixed image is never
// differentiated.
type Loss interface {
	Eval(moved, fixed *diff.Tensor) (*diff.Tensor, error)
}

// Built-in loss names.
const (
	LossMSE = "mse"
	LossCC  = "cc"
)

// NewLoss returns a built-in loss by name. Unknown names are
// configuration errors.
func NewLoss(name string) (Loss, error) {
	switch name {
	case LossMSE:
		return MSELoss{}, nil
	case LossCC:
		return NCCLoss{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown loss %q", ErrConfig, name)
	}
}

// MSELoss is the mean squared intensity difference.
type MSELoss struct{}

// Eval returns mean((moved-fixed)^2) over the whole batch.
func (MSELoss) Eval(moved, fixed *diff.Tensor) (*diff.Tensor, error) {
	if len(moved.Data) != len(fixed.Data) {
		return nil, fmt.Errorf("%w: moved %v vs fixed %v", ErrConfig, moved.Shape, fixed.Shape)
	}
	n := float64(len(moved.Data))
	sum := 0.0
	for i, m := range moved.Data {
		d := m - fixed.Data[i]
		sum += d * d
	}
	out := []float64{sum / n}
	return diff.Op(out, []int{1}, []*diff.Tensor{moved}, func(node *diff.Tensor) {
		if !moved.RequiresGrad() {
			return
		}
		g := node.Grad[0]
		for i, m := range moved.Data {
			moved.Grad[i] += g * 2 * (m - fixed.Data[i]) / n
		}
	}), nil
}

// NCCLoss is one minus the global normalized cross-correlation, averaged
// over the batch. It is invariant to affine intensity changes between
// the two images, which makes it the default metric for mono-modal
// registration.
type NCCLoss struct{}

// Eval returns mean_n(1 - ncc_n) where ncc_n is the normalized
// cross-correlation of batch item n across all channels and voxels.
// Constant (zero-variance) images make the correlation undefined and
// raise ErrNumeric.
func (NCCLoss) Eval(moved, fixed *diff.Tensor) (*diff.Tensor, error) {
	if len(moved.Data) != len(fixed.Data) || moved.Shape[0] != fixed.Shape[0] {
		return nil, fmt.Errorf("%w: moved %v vs fixed %v", ErrConfig, moved.Shape, fixed.Shape)
	}
	n := moved.Shape[0]
	k := len(moved.Data) / n

	type itemStats struct {
		meanM, meanF float64
		sm, sf, smf  float64
	}
	items := make([]itemStats, n)
	total := 0.0
	for b := 0; b < n; b++ {
		m := moved.Data[b*k : (b+1)*k]
		f := fixed.Data[b*k : (b+1)*k]
		st := &items[b]
		st.meanM = stat.Mean(m, nil)
		st.meanF = stat.Mean(f, nil)
		for i := range m {
			cm := m[i] - st.meanM
			cf := f[i] - st.meanF
			st.sm += cm * cm
			st.sf += cf * cf
			st.smf += cm * cf
		}
		if st.sm == 0 || st.sf == 0 {
			return nil, fmt.Errorf("%w: zero image variance in correlation loss", ErrNumeric)
		}
		total += 1 - st.smf/sqrtProduct(st.sm, st.sf)
	}
	out := []float64{total / float64(n)}

	return diff.Op(out, []int{1}, []*diff.Tensor{moved}, func(node *diff.Tensor) {
		if !moved.RequiresGrad() {
			return
		}
		g := node.Grad[0]
		for b := 0; b < n; b++ {
			m := moved.Data[b*k : (b+1)*k]
			f := fixed.Data[b*k : (b+1)*k]
			st := items[b]
			denom := sqrtProduct(st.sm, st.sf)
			ratio := st.smf / st.sm
			for i := range m {
				cm := m[i] - st.meanM
				cf := f[i] - st.meanF
				// d(1-ncc)/dm_i = -(cf_i - (smf/sm)*cm_i)/sqrt(sm*sf)
				moved.Grad[b*k+i] += g * -(cf - ratio*cm) / denom / float64(n)
			}
		}
	}), nil
}

func sqrtProduct(a, b float64) float64 {
	// Factored to avoid overflow on large voxel counts.
	return math.Sqrt(a) * math.Sqrt(b)
}
