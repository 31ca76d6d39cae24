package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-probe/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                                  // Total number of samples
	Get(idx int) (data *tensor.Tensor, label int32, err error) // Returns a single sample and its class index
}

// DataLoader provides batching and shuffling over a Dataset. The final batch
// of an epoch may be smaller than the configured batch size.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	prefetch  int
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}

	datasetLen := dataset.Len()
	indices := make([]int, datasetLen)
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		prefetch:  1,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// SetPrefetch sets how many batches the Iterator assembles ahead of the
// consumer.
func (dl *DataLoader) SetPrefetch(n int) {
	if n < 1 {
		n = 1
	}
	dl.prefetch = n
}

// Batch represents a batch of inputs and class index labels
type Batch struct {
	Data   *tensor.Tensor // [batch, ...sample shape]
	Labels *tensor.Tensor // [batch] Int32
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		// Shuffle indices for new epoch
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := dl.rng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // End of epoch
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}

	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}

	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch stacks the samples at the given indices into batched tensors.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}
	batchSize := len(indices)

	// First sample determines the per-sample shape.
	firstData, _, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load sample %d: %w", indices[0], err)
	}
	if firstData.DType != tensor.Float32 {
		return nil, fmt.Errorf("dataset samples must be Float32, got %s", firstData.DType)
	}

	dataShape := append([]int{batchSize}, firstData.Shape...)
	batchData, err := tensor.Zeros(dataShape, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch data tensor: %w", err)
	}

	labels := make([]int32, batchSize)
	dst, err := batchData.Float32Data()
	if err != nil {
		return nil, err
	}
	sampleSize := firstData.NumElems

	for i, idx := range indices {
		data, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		src, err := data.Float32Data()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}
		if len(src) != sampleSize {
			return nil, fmt.Errorf("sample %d has %d elements, expected %d", idx, len(src), sampleSize)
		}
		copy(dst[i*sampleSize:(i+1)*sampleSize], src)
		labels[i] = label
	}

	batchLabels, err := tensor.NewTensor([]int{batchSize}, tensor.Int32, labels)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch labels tensor: %w", err)
	}

	return &Batch{
		Data:   batchData,
		Labels: batchLabels,
	}, nil
}

// Iterator returns a channel-based iterator for easy use in training loops
func (dl *DataLoader) Iterator() <-chan *Batch {
	batchChan := make(chan *Batch, dl.prefetch)

	go func() {
		defer close(batchChan)

		dl.Reset()

		for dl.HasNext() {
			batch, err := dl.Next()
			if err != nil {
				return
			}
			if batch == nil {
				break
			}
			batchChan <- batch
		}
	}()

	return batchChan
}

// SimpleDataset provides a basic implementation of Dataset for in-memory data
type SimpleDataset struct {
	data   []*tensor.Tensor
	labels []int32
}

// NewSimpleDataset creates a new SimpleDataset
func NewSimpleDataset(data []*tensor.Tensor, labels []int32) (*SimpleDataset, error) {
	if len(data) != len(labels) {
		return nil, fmt.Errorf("data and labels must have the same length: got %d and %d", len(data), len(labels))
	}

	return &SimpleDataset{
		data:   data,
		labels: labels,
	}, nil
}

// Len returns the number of samples in the dataset
func (ds *SimpleDataset) Len() int {
	return len(ds.data)
}

// Get returns a sample at the given index
func (ds *SimpleDataset) Get(idx int) (*tensor.Tensor, int32, error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.data))
	}

	return ds.data[idx], ds.labels[idx], nil
}

// RandomDataset generates random classification data for testing purposes
type RandomDataset struct {
	size       int
	dataShape  []int
	numClasses int
	rng        *rand.Rand
	mu         sync.Mutex
}

// NewRandomDataset creates a new RandomDataset
func NewRandomDataset(size int, dataShape []int, numClasses int, seed int64) *RandomDataset {
	return &RandomDataset{
		size:       size,
		dataShape:  dataShape,
		numClasses: numClasses,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// Len returns the size of the dataset
func (rd *RandomDataset) Len() int {
	return rd.size
}

// Get generates a random sample
func (rd *RandomDataset) Get(idx int) (*tensor.Tensor, int32, error) {
	if idx < 0 || idx >= rd.size {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, rd.size)
	}

	rd.mu.Lock()
	defer rd.mu.Unlock()

	dataSize := 1
	for _, dim := range rd.dataShape {
		dataSize *= dim
	}

	randomData := make([]float32, dataSize)
	for i := range randomData {
		randomData[i] = rd.rng.Float32()*2.0 - 1.0 // Range [-1, 1]
	}

	data, err := tensor.NewTensor(rd.dataShape, tensor.Float32, randomData)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create data tensor: %w", err)
	}

	return data, int32(rd.rng.Intn(rd.numClasses)), nil
}
