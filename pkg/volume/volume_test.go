package volume

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestNewImageLengthCheck(t *testing.T) {
	if _, err := NewImage(make([]float64, 5), 1, []int{2, 3}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("got %v, want ErrShapeMismatch", err)
	}
	im, err := NewImage(make([]float64, 6), 1, []int{2, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if im.Spacing[0] != 1 || im.Spacing[1] != 1 {
		t.Errorf("default spacing %v, want unit", im.Spacing)
	}
	if im.Interp != InterpLinear {
		t.Errorf("default interpolation %q, want %q", im.Interp, InterpLinear)
	}
}

func TestNormToPhysCornerMapping(t *testing.T) {
	im, err := NewImage(make([]float64, 12), 1, []int{3, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	im.Spacing = []float64{2, 0.5} // x, y
	im.Origin = []float64{10, -3}

	m := im.NormToPhys()
	first := mat.NewVecDense(3, []float64{-1, -1, 1})
	last := mat.NewVecDense(3, []float64{1, 1, 1})
	var out mat.VecDense

	// -1 maps to the first voxel center, +1 to the last. Extents are
	// stored [H, W] so x has 4 samples and y has 3.
	out.MulVec(m, first)
	if math.Abs(out.AtVec(0)-10) > 1e-12 || math.Abs(out.AtVec(1)-(-3)) > 1e-12 {
		t.Errorf("first corner (%f, %f), want (10, -3)", out.AtVec(0), out.AtVec(1))
	}
	out.MulVec(m, last)
	wantX := 10 + 2*float64(4-1)
	wantY := -3 + 0.5*float64(3-1)
	if math.Abs(out.AtVec(0)-wantX) > 1e-12 || math.Abs(out.AtVec(1)-wantY) > 1e-12 {
		t.Errorf("last corner (%f, %f), want (%f, %f)", out.AtVec(0), out.AtVec(1), wantX, wantY)
	}
}

func TestPhysToNormInverse(t *testing.T) {
	im, err := NewImage(make([]float64, 24), 1, []int{2, 3, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	im.Spacing = []float64{1.5, 2, 3}
	im.Origin = []float64{-5, 0, 7}

	fwd := im.NormToPhys()
	inv, err := im.PhysToNorm()
	if err != nil {
		t.Fatalf("inverse failed: %v", err)
	}
	var prod mat.Dense
	prod.Mul(inv, fwd)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			want := 0.0
			if r == c {
				want = 1
			}
			if math.Abs(prod.At(r, c)-want) > 1e-12 {
				t.Errorf("product at (%d,%d): got %f, want %f", r, c, prod.At(r, c), want)
			}
		}
	}
}

func TestNewBatchValidation(t *testing.T) {
	a, _ := NewImage(make([]float64, 6), 1, []int{2, 3})
	b, _ := NewImage(make([]float64, 8), 1, []int{2, 4})

	if _, err := NewBatch(); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("empty batch: got %v, want ErrShapeMismatch", err)
	}
	if _, err := NewBatch(a, b); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("mismatched sizes: got %v, want ErrShapeMismatch", err)
	}

	tiny, _ := NewImage(make([]float64, 2), 1, []int{1, 2})
	if _, err := NewBatch(tiny); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("degenerate axis: got %v, want ErrShapeMismatch", err)
	}

	bad, _ := NewImage(make([]float64, 6), 1, []int{2, 3})
	bad.Spacing = []float64{1, -1}
	if _, err := NewBatch(bad); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("negative spacing: got %v, want ErrShapeMismatch", err)
	}
}

func TestBatchArray(t *testing.T) {
	a, _ := NewImage([]float64{1, 2, 3, 4, 5, 6}, 1, []int{2, 3})
	b, _ := NewImage([]float64{7, 8, 9, 10, 11, 12}, 1, []int{2, 3})
	batch, err := NewBatch(a, b)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	shape := batch.ArrayShape()
	want := []int{2, 1, 2, 3}
	for i, s := range shape {
		if s != want[i] {
			t.Fatalf("array shape %v, want %v", shape, want)
		}
	}
	arr := batch.Array()
	for i := range arr {
		if arr[i] != float64(i+1) {
			t.Errorf("array value %d: got %f, want %d", i, arr[i], i+1)
		}
	}
}

func TestBatchTransformTensors(t *testing.T) {
	a, _ := NewImage(make([]float64, 6), 1, []int{2, 3})
	b, _ := NewImage(make([]float64, 6), 1, []int{2, 3})
	b.Spacing = []float64{2, 2}
	batch, err := NewBatch(a, b)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	fwd := batch.NormToPhysTensor()
	if len(fwd) != 2*3*3 {
		t.Fatalf("tensor length %d, want 18", len(fwd))
	}
	// Item 0, row 0: [spacing_x*(W-1)/2, 0, origin_x + same] = [1, 0, 1].
	if fwd[0] != 1 || fwd[1] != 0 || fwd[2] != 1 {
		t.Errorf("item 0 row 0: got %v, want [1 0 1]", fwd[:3])
	}
	// Item 1 has doubled spacing.
	if fwd[9] != 2 || fwd[11] != 2 {
		t.Errorf("item 1 row 0: got %v, want [2 0 2]", fwd[9:12])
	}

	inv, err := batch.PhysToNormTensor()
	if err != nil {
		t.Fatalf("inverse tensor failed: %v", err)
	}
	// fwd * inv should be identity per item.
	for item := 0; item < 2; item++ {
		f := mat.NewDense(3, 3, fwd[item*9:(item+1)*9])
		g := mat.NewDense(3, 3, inv[item*9:(item+1)*9])
		var prod mat.Dense
		prod.Mul(f, g)
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				want := 0.0
				if r == c {
					want = 1
				}
				if math.Abs(prod.At(r, c)-want) > 1e-12 {
					t.Errorf("item %d product at (%d,%d): got %f", item, r, c, prod.At(r, c))
				}
			}
		}
	}
}
