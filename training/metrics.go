package training

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/tsawler/go-probe/tensor"
)

// AccuracyAtK computes top-k accuracies as percentages over a batch of
// logits [N, C] and class index targets [N]. Each requested k is capped at
// the number of classes. A prediction counts as a top-k hit when fewer than
// k classes score strictly higher than the target class.
func AccuracyAtK(logits, targets *tensor.Tensor, ks []int) ([]float64, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("accuracy expects 2D logits [batch, classes], got %v", logits.Shape)
	}
	batch := logits.Shape[0]
	classes := logits.Shape[1]
	if len(targets.Shape) != 1 || targets.Shape[0] != batch {
		return nil, fmt.Errorf("accuracy targets must have shape [%d], got %v", batch, targets.Shape)
	}

	logitData, err := logits.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("accuracy: %w", err)
	}
	targetData, err := targets.Int32Data()
	if err != nil {
		return nil, fmt.Errorf("accuracy: %w", err)
	}

	// Rank of the target class within each row, computed once and compared
	// against every k.
	ranks := make([]int, batch)
	for n := 0; n < batch; n++ {
		cls := int(targetData[n])
		if cls < 0 || cls >= classes {
			return nil, fmt.Errorf("target class %d out of range [0, %d)", cls, classes)
		}
		row := logitData[n*classes : (n+1)*classes]
		score := row[cls]
		higher := 0
		for _, v := range row {
			if v > score {
				higher++
			}
		}
		ranks[n] = higher
	}

	out := make([]float64, len(ks))
	for i, k := range ks {
		if k <= 0 {
			return nil, fmt.Errorf("accuracy requires k > 0, got %d", k)
		}
		if k > classes {
			k = classes
		}
		hits := 0
		for _, r := range ranks {
			if r < k {
				hits++
			}
		}
		out[i] = 100 * float64(hits) / float64(batch)
	}
	return out, nil
}

// WeightedMean averages values with the given weights. It returns an error
// when the slices are empty or of mismatched length.
func WeightedMean(values, weights []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("weighted mean of empty slice")
	}
	if len(values) != len(weights) {
		return 0, fmt.Errorf("weighted mean: %d values but %d weights", len(values), len(weights))
	}
	return stat.Mean(values, weights), nil
}
