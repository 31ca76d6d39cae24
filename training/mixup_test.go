package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-probe/tensor"
)

func TestMixupValidation(t *testing.T) {
	if _, err := NewMixup(0, 10, 1); err == nil {
		t.Error("expected error for zero alpha")
	}
	if _, err := NewMixup(1.0, 0, 1); err == nil {
		t.Error("expected error for zero classes")
	}
}

func TestMixupApply(t *testing.T) {
	m, err := NewMixup(1.0, 3, 42)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}

	inputs, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{0, 0, 1, 1})
	if err != nil {
		t.Fatalf("failed to create inputs: %v", err)
	}
	targets, err := tensor.NewTensor([]int{2}, tensor.Int32, []int32{0, 2})
	if err != nil {
		t.Fatalf("failed to create targets: %v", err)
	}

	mixed, soft, err := m.Apply(inputs, targets)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// Mixing 0s with 1s keeps every element inside [0, 1], and the two rows
	// are complementary blends.
	mixedData, err := mixed.Float32Data()
	if err != nil {
		t.Fatalf("mixed data: %v", err)
	}
	for i, v := range mixedData {
		if v < 0 || v > 1 {
			t.Errorf("mixed[%d] = %g outside [0, 1]", i, v)
		}
	}
	if math.Abs(float64(mixedData[0]+mixedData[2])-1) > 1e-6 {
		t.Errorf("complementary rows should sum to 1, got %g", mixedData[0]+mixedData[2])
	}

	// Soft target rows are distributions over the classes.
	if soft.Shape[0] != 2 || soft.Shape[1] != 3 {
		t.Fatalf("expected soft targets [2, 3], got %v", soft.Shape)
	}
	softData, err := soft.Float32Data()
	if err != nil {
		t.Fatalf("soft data: %v", err)
	}
	for n := 0; n < 2; n++ {
		var sum float32
		for j := 0; j < 3; j++ {
			sum += softData[n*3+j]
		}
		if math.Abs(float64(sum)-1) > 1e-6 {
			t.Errorf("soft target row %d sums to %g, expected 1", n, sum)
		}
	}
	// Mass only on the two participating classes.
	if softData[0*3+1] != 0 || softData[1*3+1] != 0 {
		t.Error("soft targets leaked mass onto an unrelated class")
	}
}

func TestMixupSameLabelPair(t *testing.T) {
	m, err := NewMixup(0.5, 2, 7)
	if err != nil {
		t.Fatalf("constructor failed: %v", err)
	}

	inputs, _ := tensor.NewTensor([]int{2, 1}, tensor.Float32, []float32{0.2, 0.8})
	targets, _ := tensor.NewTensor([]int{2}, tensor.Int32, []int32{1, 1})

	_, soft, err := m.Apply(inputs, targets)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	softData, _ := soft.Float32Data()
	// Both partners share the label, so its probability collapses to 1.
	if math.Abs(float64(softData[0*2+1])-1) > 1e-6 {
		t.Errorf("expected full mass on shared label, got %g", softData[0*2+1])
	}
}
