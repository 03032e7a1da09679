// Package optim implements the two gradient update rules the
// registration loop selects between: stochastic gradient descent with
// momentum and Adam. Optimizers mutate a flat parameter slice in place
// and keep their per-parameter state across steps within one session.
package optim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// ErrUnknownRule reports a request for an update rule that does not
// exist. It is returned at construction, before any optimization work.
var ErrUnknownRule = errors.New("optim: unknown update rule")

// Config carries the hyperparameters shared by both rules. Zero values
// for the Adam fields select the usual defaults.
type Config struct {
	LearningRate float64
	Momentum     float64 // SGD only
	Beta1        float64 // Adam only, default 0.9
	Beta2        float64 // Adam only, default 0.999
	Epsilon      float64 // Adam only, default 1e-8
}

// Optimizer applies one parameter update per Step call.
type Optimizer interface {
	// Step updates params in place from grad. Both slices must have the
	// length the optimizer was constructed with.
	Step(params, grad []float64) error
}

// New constructs the named update rule ("sgd" or "adam") for a parameter
// vector of the given size. Unknown names and invalid hyperparameters
// are configuration errors.
func New(rule string, size int, cfg Config) (Optimizer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("optim: invalid parameter count %d", size)
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("optim: learning rate must be positive, got %g", cfg.LearningRate)
	}
	switch rule {
	case "sgd", "SGD":
		if cfg.Momentum < 0 || cfg.Momentum >= 1 {
			return nil, fmt.Errorf("optim: momentum must be in [0,1), got %g", cfg.Momentum)
		}
		return &sgd{lr: cfg.LearningRate, momentum: cfg.Momentum, buf: make([]float64, size)}, nil
	case "adam", "Adam":
		a := &adam{
			lr:    cfg.LearningRate,
			beta1: cfg.Beta1,
			beta2: cfg.Beta2,
			eps:   cfg.Epsilon,
			m:     make([]float64, size),
			v:     make([]float64, size),
		}
		if a.beta1 == 0 {
			a.beta1 = 0.9
		}
		if a.beta2 == 0 {
			a.beta2 = 0.999
		}
		if a.eps == 0 {
			a.eps = 1e-8
		}
		if a.beta1 < 0 || a.beta1 >= 1 || a.beta2 < 0 || a.beta2 >= 1 {
			return nil, fmt.Errorf("optim: betas must be in [0,1), got %g/%g", a.beta1, a.beta2)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRule, rule)
	}
}

type sgd struct {
	lr       float64
	momentum float64
	buf      []float64
}

func (s *sgd) Step(params, grad []float64) error {
	if len(params) != len(s.buf) || len(grad) != len(s.buf) {
		return fmt.Errorf("optim: step with %d params / %d grads, want %d", len(params), len(grad), len(s.buf))
	}
	if s.momentum == 0 {
		floats.AddScaled(params, -s.lr, grad)
		return nil
	}
	floats.Scale(s.momentum, s.buf)
	floats.Add(s.buf, grad)
	floats.AddScaled(params, -s.lr, s.buf)
	return nil
}

type adam struct {
	lr           float64
	beta1, beta2 float64
	eps          float64
	m, v         []float64
	t            int
}

func (a *adam) Step(params, grad []float64) error {
	if len(params) != len(a.m) || len(grad) != len(a.m) {
		return fmt.Errorf("optim: step with %d params / %d grads, want %d", len(params), len(grad), len(a.m))
	}
	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g
		mhat := a.m[i] / c1
		vhat := a.v[i] / c2
		params[i] -= a.lr * mhat / (math.Sqrt(vhat) + a.eps)
	}
	return nil
}
