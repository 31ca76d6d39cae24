package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-probe/tensor"
)

func TestAccuracyAtK(t *testing.T) {
	logits, err := tensor.NewTensor([]int{2, 3}, tensor.Float32, []float32{
		0.1, 0.9, 0.0, // correct: class 1 ranks first
		0.8, 0.1, 0.3, // wrong at top-1, correct within top-2
	})
	if err != nil {
		t.Fatalf("failed to create logits: %v", err)
	}
	targets, err := tensor.NewTensor([]int{2}, tensor.Int32, []int32{1, 2})
	if err != nil {
		t.Fatalf("failed to create targets: %v", err)
	}

	accs, err := AccuracyAtK(logits, targets, []int{1, 2, 3})
	if err != nil {
		t.Fatalf("accuracy failed: %v", err)
	}
	if accs[0] != 50 {
		t.Errorf("top-1: expected 50, got %g", accs[0])
	}
	if accs[1] != 100 {
		t.Errorf("top-2: expected 100, got %g", accs[1])
	}
	if accs[2] != 100 {
		t.Errorf("top-3: expected 100, got %g", accs[2])
	}
}

func TestAccuracyTopKNeverBelowTop1(t *testing.T) {
	logits, err := tensor.NewTensor([]int{3, 4}, tensor.Float32, []float32{
		0.5, 0.2, 0.1, 0.9,
		0.4, 0.6, 0.3, 0.2,
		0.1, 0.1, 0.8, 0.5,
	})
	if err != nil {
		t.Fatalf("failed to create logits: %v", err)
	}
	targets, err := tensor.NewTensor([]int{3}, tensor.Int32, []int32{0, 1, 3})
	if err != nil {
		t.Fatalf("failed to create targets: %v", err)
	}

	accs, err := AccuracyAtK(logits, targets, []int{1, 5})
	if err != nil {
		t.Fatalf("accuracy failed: %v", err)
	}
	if accs[1] < accs[0] {
		t.Errorf("top-5 accuracy %g below top-1 %g", accs[1], accs[0])
	}
}

func TestAccuracyKCappedAtClasses(t *testing.T) {
	// With k capped at the class count, every sample is a hit.
	logits, err := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{1, 0, 0, 1})
	if err != nil {
		t.Fatalf("failed to create logits: %v", err)
	}
	targets, err := tensor.NewTensor([]int{2}, tensor.Int32, []int32{1, 0})
	if err != nil {
		t.Fatalf("failed to create targets: %v", err)
	}

	accs, err := AccuracyAtK(logits, targets, []int{5})
	if err != nil {
		t.Fatalf("accuracy failed: %v", err)
	}
	if accs[0] != 100 {
		t.Errorf("capped top-5 over 2 classes: expected 100, got %g", accs[0])
	}
}

func TestAccuracyInvalidInputs(t *testing.T) {
	logits, _ := tensor.NewTensor([]int{2, 2}, tensor.Float32, []float32{1, 0, 0, 1})
	targets, _ := tensor.NewTensor([]int{2}, tensor.Int32, []int32{0, 1})

	if _, err := AccuracyAtK(logits, targets, []int{0}); err == nil {
		t.Error("expected error for k = 0")
	}

	badTargets, _ := tensor.NewTensor([]int{2}, tensor.Int32, []int32{0, 3})
	if _, err := AccuracyAtK(logits, badTargets, []int{1}); err == nil {
		t.Error("expected error for out of range class")
	}
}

func TestWeightedMean(t *testing.T) {
	// Batch-size-weighted mean of per-batch losses.
	got, err := WeightedMean([]float64{1, 2, 3}, []float64{3, 3, 2})
	if err != nil {
		t.Fatalf("weighted mean failed: %v", err)
	}
	if math.Abs(got-1.875) > 1e-12 {
		t.Errorf("expected 1.875, got %g", got)
	}
}

func TestWeightedMeanErrors(t *testing.T) {
	if _, err := WeightedMean(nil, nil); err == nil {
		t.Error("expected error for empty input")
	}
	if _, err := WeightedMean([]float64{1, 2}, []float64{1}); err == nil {
		t.Error("expected error for length mismatch")
	}
}
