package tensor

import (
	"math"
	"testing"
)

func TestNewTensor(t *testing.T) {
	t.Run("valid float32 tensor", func(t *testing.T) {
		tn, err := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		if tn.NumElems != 6 {
			t.Errorf("expected 6 elements, got %d", tn.NumElems)
		}
		if tn.Strides[0] != 3 || tn.Strides[1] != 1 {
			t.Errorf("unexpected strides %v", tn.Strides)
		}
		if tn.Layout != ChannelsFirst {
			t.Errorf("expected default ChannelsFirst layout, got %s", tn.Layout)
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3})
		if err == nil {
			t.Fatal("expected error for mismatched data length")
		}
	})

	t.Run("dtype mismatch", func(t *testing.T) {
		_, err := NewTensor([]int{2}, Float32, []int32{1, 2})
		if err == nil {
			t.Fatal("expected error for mismatched dtype")
		}
	})

	t.Run("invalid shape", func(t *testing.T) {
		_, err := NewTensor([]int{2, 0}, Float32, []float32{})
		if err == nil {
			t.Fatal("expected error for zero-sized dimension")
		}
	})
}

func TestItem(t *testing.T) {
	scalar := FromScalar(2.5)
	v, err := scalar.Item()
	if err != nil {
		t.Fatalf("Item failed: %v", err)
	}
	if math.Abs(v-2.5) > 1e-6 {
		t.Errorf("expected 2.5, got %f", v)
	}

	vec, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
	if _, err := vec.Item(); err == nil {
		t.Error("expected error for multi-element Item")
	}
}

func TestDetach(t *testing.T) {
	tn, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
	tn.SetRequiresGrad(true)

	d := tn.Detach()
	if d.RequiresGrad() {
		t.Error("detached tensor must not require gradients")
	}
	if d.Creator() != nil {
		t.Error("detached tensor must have no creator")
	}

	// Data is shared, not copied.
	d.Data.([]float32)[0] = 9
	if tn.Data.([]float32)[0] != 9 {
		t.Error("detached tensor should share data with the original")
	}
}

func TestReshape(t *testing.T) {
	tn, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})

	r, err := tn.Reshape([]int{3, 2})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if r.Shape[0] != 3 || r.Shape[1] != 2 {
		t.Errorf("unexpected shape %v", r.Shape)
	}

	if _, err := tn.Reshape([]int{4, 2}); err == nil {
		t.Error("expected error for element count mismatch")
	}
}

func TestSetRequiresGradClearsGrad(t *testing.T) {
	tn, _ := NewTensor([]int{2}, Float32, []float32{1, 2})
	tn.SetRequiresGrad(true)
	g, _ := NewTensor([]int{2}, Float32, []float32{1, 1})
	if err := tn.accumulateGrad(g); err != nil {
		t.Fatalf("accumulateGrad failed: %v", err)
	}
	if tn.Grad() == nil {
		t.Fatal("expected gradient to be set")
	}

	tn.SetRequiresGrad(false)
	if tn.Grad() != nil {
		t.Error("clearing requiresGrad should drop the gradient")
	}
}

func TestMatMul(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	b, _ := NewTensor([]int{3, 2}, Float32, []float32{7, 8, 9, 10, 11, 12})

	out, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}

	expected := []float32{58, 64, 139, 154}
	data := out.Data.([]float32)
	for i, want := range expected {
		if math.Abs(float64(data[i]-want)) > 1e-5 {
			t.Errorf("element %d: expected %f, got %f", i, want, data[i])
		}
	}
}

func TestAddBroadcast(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	bias, _ := NewTensor([]int{3}, Float32, []float32{10, 20, 30})

	out, err := Add(a, bias)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	expected := []float32{11, 22, 33, 14, 25, 36}
	data := out.Data.([]float32)
	for i, want := range expected {
		if data[i] != want {
			t.Errorf("element %d: expected %f, got %f", i, want, data[i])
		}
	}
}

func TestSumRows(t *testing.T) {
	a, _ := NewTensor([]int{2, 3}, Float32, []float32{1, 2, 3, 4, 5, 6})
	out, err := SumRows(a)
	if err != nil {
		t.Fatalf("SumRows failed: %v", err)
	}
	expected := []float32{5, 7, 9}
	data := out.Data.([]float32)
	for i, want := range expected {
		if data[i] != want {
			t.Errorf("element %d: expected %f, got %f", i, want, data[i])
		}
	}
}
