package filter

import (
	"errors"
	"math"
	"testing"

	"volreg/pkg/diff"
)

func TestImageGradientRamp(t *testing.T) {
	// A ramp with slope 1 along x has a central difference of 2 in the
	// interior and is flat along y.
	h, w := 4, 5
	data := make([]float64, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = float64(x)
		}
	}
	out, shape, err := ImageGradientNoGrad(data, []int{1, 1, h, w})
	if err != nil {
		t.Fatalf("gradient failed: %v", err)
	}
	if shape[1] != 2 {
		t.Fatalf("channel count %d, want 2", shape[1])
	}
	gx := out[:h*w]
	gy := out[h*w:]
	for y := 0; y < h; y++ {
		for x := 1; x < w-1; x++ {
			if math.Abs(gx[y*w+x]-2) > 1e-12 {
				t.Errorf("gx at (%d,%d): got %f, want 2", y, x, gx[y*w+x])
			}
		}
	}
	// Interior rows only: zero padding makes the edge rows nonzero.
	for y := 1; y < h-1; y++ {
		for x := 0; x < w; x++ {
			if gy[y*w+x] != 0 {
				t.Errorf("gy at (%d,%d): got %f, want 0", y, x, gy[y*w+x])
			}
		}
	}
}

func TestImageGradient3DChannels(t *testing.T) {
	data := make([]float64, 27)
	out, err := ImageGradient(diff.Constant(data, []int{1, 1, 3, 3, 3}))
	if err != nil {
		t.Fatalf("gradient failed: %v", err)
	}
	if out.Shape[1] != 3 {
		t.Errorf("channel count %d, want 3", out.Shape[1])
	}
}

func TestImageGradientMultiChannel(t *testing.T) {
	_, err := ImageGradient(diff.Constant(make([]float64, 8), []int{1, 2, 2, 2}))
	if !errors.Is(err, ErrMultiChannel) {
		t.Errorf("got %v, want ErrMultiChannel", err)
	}
}

func TestImageGradientBadDims(t *testing.T) {
	_, err := ImageGradient(diff.Constant(make([]float64, 4), []int{1, 1, 4}))
	if !errors.Is(err, ErrDims) {
		t.Errorf("got %v, want ErrDims", err)
	}
}

func TestImageGradientBackward(t *testing.T) {
	imgData := []float64{
		0.3, 0.8, 0.1,
		0.5, 0.2, 0.9,
		0.7, 0.4, 0.6,
	}
	shape := []int{1, 1, 3, 3}
	img := diff.Variable(append([]float64(nil), imgData...), shape)
	out, err := ImageGradient(img)
	if err != nil {
		t.Fatalf("gradient failed: %v", err)
	}

	total := 0.0
	weights := make([]float64, len(out.Data))
	for i := range out.Data {
		weights[i] = float64(i%5) - 2
		total += weights[i] * out.Data[i]
	}
	loss := diff.Op([]float64{total}, []int{1}, []*diff.Tensor{out}, func(node *diff.Tensor) {
		for i := range out.Grad {
			out.Grad[i] += node.Grad[0] * weights[i]
		}
	})
	if err := loss.Backward(); err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	eval := func(d []float64) float64 {
		o, _, err := ImageGradientNoGrad(d, shape)
		if err != nil {
			t.Fatalf("gradient failed: %v", err)
		}
		s := 0.0
		for i := range o {
			s += weights[i] * o[i]
		}
		return s
	}
	const h = 1e-6
	for i := range imgData {
		up := append([]float64(nil), imgData...)
		dn := append([]float64(nil), imgData...)
		up[i] += h
		dn[i] -= h
		want := (eval(up) - eval(dn)) / (2 * h)
		if math.Abs(img.Grad[i]-want) > 1e-5 {
			t.Errorf("gradient %d: got %f, want %f", i, img.Grad[i], want)
		}
	}
}
