package registration

import (
	"errors"
	"math"
	"testing"
)

func TestConvergenceFirstIterationNeverStops(t *testing.T) {
	for _, mode := range []string{ToleranceAbsolute, ToleranceRelative} {
		c, err := newConvergence(1e9, 0, mode)
		if err != nil {
			t.Fatalf("%s: construction failed: %v", mode, err)
		}
		stop, err := c.update(5)
		if err != nil {
			t.Fatalf("%s: update failed: %v", mode, err)
		}
		if stop {
			t.Errorf("%s: stopped on the first iteration", mode)
		}
	}
}

func TestConvergenceAbsoluteCounter(t *testing.T) {
	c, err := newConvergence(0.5, 1, ToleranceAbsolute)
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	steps := []struct {
		loss float64
		stop bool
	}{
		{10, false},  // first iteration
		{9.9, false}, // improvement 0.1 < 0.5, counter 1
		{9.8, true},  // counter 2 > 1
	}
	for i, s := range steps {
		stop, err := c.update(s.loss)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if stop != s.stop {
			t.Errorf("step %d (loss %f): stop %v, want %v", i, s.loss, stop, s.stop)
		}
	}
}

func TestConvergenceCounterResetsOnImprovement(t *testing.T) {
	c, err := newConvergence(0.5, 1, ToleranceAbsolute)
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	steps := []struct {
		loss float64
		stop bool
	}{
		{10, false},
		{9.9, false}, // counter 1
		{9.0, false}, // improvement 0.9, counter resets
		{8.9, false}, // counter 1
		{8.8, true},  // counter 2 > 1
	}
	for i, s := range steps {
		stop, err := c.update(s.loss)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if stop != s.stop {
			t.Errorf("step %d (loss %f): stop %v, want %v", i, s.loss, stop, s.stop)
		}
	}
}

func TestConvergenceRelative(t *testing.T) {
	c, err := newConvergence(0.05, 0, ToleranceRelative)
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	if _, err := c.update(10); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	// 4% relative improvement is below the 5% tolerance.
	stop, err := c.update(9.6)
	if err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if !stop {
		t.Error("expected stop after sub-tolerance relative improvement")
	}
}

func TestConvergenceRelativeZeroPreviousLoss(t *testing.T) {
	c, err := newConvergence(0.1, 5, ToleranceRelative)
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	if _, err := c.update(0); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if _, err := c.update(0); !errors.Is(err, ErrNumeric) {
		t.Errorf("got %v, want ErrNumeric", err)
	}
}

func TestConvergenceNonFiniteLoss(t *testing.T) {
	for _, loss := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		c, err := newConvergence(0.1, 5, ToleranceAbsolute)
		if err != nil {
			t.Fatalf("construction failed: %v", err)
		}
		if _, err := c.update(loss); !errors.Is(err, ErrNumeric) {
			t.Errorf("loss %f: got %v, want ErrNumeric", loss, err)
		}
	}
}

func TestConvergenceBadConfiguration(t *testing.T) {
	if _, err := newConvergence(0.1, 5, "abs"); !errors.Is(err, ErrConfig) {
		t.Errorf("bad mode: got %v, want ErrConfig", err)
	}
	if _, err := newConvergence(0.1, -1, ToleranceAbsolute); !errors.Is(err, ErrConfig) {
		t.Errorf("negative max iterations: got %v, want ErrConfig", err)
	}
}

func TestConvergenceResetRestoresState(t *testing.T) {
	c, err := newConvergence(0.5, 0, ToleranceAbsolute)
	if err != nil {
		t.Fatalf("construction failed: %v", err)
	}
	if _, err := c.update(10); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	stop, err := c.update(9.9)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !stop {
		t.Fatal("expected stop before reset")
	}

	c.reset()
	stop, err = c.update(9.9)
	if err != nil {
		t.Fatalf("update after reset failed: %v", err)
	}
	if stop {
		t.Error("stopped on the first iteration after reset")
	}
}
