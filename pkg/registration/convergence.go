package registration

import (
	"fmt"
	"math"
)

// Tolerance modes for the convergence test.
const (
	ToleranceAbsolute = "atol"
	ToleranceRelative = "rtol"
)

// convergence tracks the per-scale stopping state: the previous loss
// value and how many consecutive iterations failed to improve by more
// than the tolerance. The state is scalar for the whole batch, so one
// slow-to-converge pair determines the stopping point for all items.
type convergence struct {
	tol      float64
	maxIters int
	mode     string

	prev    float64
	counter int
}

func newConvergence(tol float64, maxIters int, mode string) (*convergence, error) {
	if mode != ToleranceAbsolute && mode != ToleranceRelative {
		return nil, fmt.Errorf("%w: unknown tolerance mode %q", ErrConfig, mode)
	}
	if maxIters < 0 {
		return nil, fmt.Errorf("%w: negative max tolerance iterations %d", ErrConfig, maxIters)
	}
	c := &convergence{tol: tol, maxIters: maxIters, mode: mode}
	c.reset()
	return c, nil
}

// reset restores the state for a new scale: previous loss +Inf, counter
// zero. With a +Inf previous loss the test can never trigger on the
// first iteration of a scale.
func (c *convergence) reset() {
	c.prev = math.Inf(1)
	c.counter = 0
}

// update evaluates the convergence test for the current loss and
// reports whether iteration at this scale should stop. Non-finite
// losses, and a relative test against a previous loss of exactly zero,
// raise ErrNumeric instead of silently propagating NaN.
func (c *convergence) update(loss float64) (bool, error) {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return false, fmt.Errorf("%w: loss diverged to %g", ErrNumeric, loss)
	}

	improved := false
	switch c.mode {
	case ToleranceAbsolute:
		improved = c.prev-loss >= c.tol
	case ToleranceRelative:
		if c.prev == 0 {
			return false, fmt.Errorf("%w: relative tolerance with zero previous loss", ErrNumeric)
		}
		rel := (c.prev - loss) / c.prev
		// +Inf previous loss yields NaN here, which never compares below
		// the tolerance, so the first iteration keeps the counter at zero.
		improved = !(rel < c.tol)
	}

	if improved {
		c.counter = 0
	} else {
		c.counter++
	}
	c.prev = loss
	return c.counter > c.maxIters, nil
}
