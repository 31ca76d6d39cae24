package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-probe/tensor"
)

// Global random source for deterministic initialization
var globalRng *rand.Rand = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // Returns all parameters, trainable or frozen
	Train()                       // Sets module to training mode
	Eval()                        // Sets module to evaluation mode
	IsTraining() bool             // Returns true if in training mode
}

// Linear implements a fully connected (dense) layer: y = xW + b
type Linear struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer with Xavier/Glorot uniform
// initialized weights and zero bias.
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid Linear dimensions %dx%d", inputSize, outputSize)
	}

	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weight, err := tensor.Uniform([]int{inputSize, outputSize}, bound, globalRng)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	weight.SetRequiresGrad(true)

	linear := &Linear{
		weight:   weight,
		training: true,
	}

	if bias {
		biasT, err := tensor.Zeros([]int{outputSize}, tensor.Float32)
		if err != nil {
			return nil, fmt.Errorf("failed to create bias tensor: %w", err)
		}
		biasT.SetRequiresGrad(true)
		linear.bias = biasT
	}

	return linear, nil
}

// Forward performs the forward pass: y = xW + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.weight.Shape[0] {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.weight.Shape[0], input.Shape[1])
	}

	output, err := tensor.MatMulAutograd(input, l.weight)
	if err != nil {
		return nil, fmt.Errorf("matmul failed: %w", err)
	}

	if l.bias != nil {
		output, err = tensor.AddAutograd(output, l.bias)
		if err != nil {
			return nil, fmt.Errorf("bias addition failed: %w", err)
		}
	}

	return output, nil
}

// Weight returns the weight tensor with shape [input_size, output_size].
func (l *Linear) Weight() *tensor.Tensor {
	return l.weight
}

// Bias returns the bias tensor, or nil when the layer has no bias.
func (l *Linear) Bias() *tensor.Tensor {
	return l.bias
}

// OutputSize returns the width of the layer output.
func (l *Linear) OutputSize() int {
	return l.weight.Shape[1]
}

// Parameters returns the layer parameters
func (l *Linear) Parameters() []*tensor.Tensor {
	params := []*tensor.Tensor{l.weight}
	if l.bias != nil {
		params = append(params, l.bias)
	}
	return params
}

// Train sets the module to training mode
func (l *Linear) Train() {
	l.training = true
}

// Eval sets the module to evaluation mode
func (l *Linear) Eval() {
	l.training = false
}

// IsTraining returns true if in training mode
func (l *Linear) IsTraining() bool {
	return l.training
}

// ReLU implements ReLU activation function module
type ReLU struct {
	training bool
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{training: true}
}

// Forward performs ReLU activation
func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLUAutograd(input)
}

// Parameters returns empty slice (ReLU has no parameters)
func (r *ReLU) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (r *ReLU) Train() {
	r.training = true
}

// Eval sets the module to evaluation mode
func (r *ReLU) Eval() {
	r.training = false
}

// IsTraining returns true if in training mode
func (r *ReLU) IsTraining() bool {
	return r.training
}

// Flatten reshapes input tensor to [batch_size, -1]
type Flatten struct {
	training bool
}

// NewFlatten creates a new Flatten layer
func NewFlatten() *Flatten {
	return &Flatten{training: true}
}

// Forward flattens the input tensor to [batch_size, -1]. Channels-last
// input is flattened in logical NCHW order, so the layout does not change
// the result.
func (f *Flatten) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("Flatten expects input with at least 2 dimensions, got shape %v", input.Shape)
	}

	batchSize := input.Shape[0]
	flattenedSize := input.NumElems / batchSize
	return tensor.ReshapeAutograd(input, []int{batchSize, flattenedSize})
}

// Parameters returns empty slice (Flatten has no parameters)
func (f *Flatten) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{}
}

// Train sets the module to training mode
func (f *Flatten) Train() {
	f.training = true
}

// Eval sets the module to evaluation mode
func (f *Flatten) Eval() {
	f.training = false
}

// IsTraining returns true if in training mode
func (f *Flatten) IsTraining() bool {
	return f.training
}

// BatchNorm implements batch normalization over 2D inputs [batch_size, features].
type BatchNorm struct {
	numFeatures int
	eps         float64
	momentum    float64
	gamma       *tensor.Tensor // Scale parameter
	beta        *tensor.Tensor // Shift parameter
	runningMean *tensor.Tensor // Running mean for inference
	runningVar  *tensor.Tensor // Running variance for inference
	training    bool
}

// NewBatchNorm creates a new batch normalization layer.
func NewBatchNorm(numFeatures int, eps, momentum float64) (*BatchNorm, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("invalid feature count %d", numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}

	gamma, err := tensor.Ones([]int{numFeatures})
	if err != nil {
		return nil, fmt.Errorf("failed to create gamma tensor: %w", err)
	}
	gamma.SetRequiresGrad(true)

	beta, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create beta tensor: %w", err)
	}
	beta.SetRequiresGrad(true)

	runningMean, err := tensor.Zeros([]int{numFeatures}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("failed to create running mean tensor: %w", err)
	}
	runningVar, err := tensor.Ones([]int{numFeatures})
	if err != nil {
		return nil, fmt.Errorf("failed to create running variance tensor: %w", err)
	}

	return &BatchNorm{
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
		training:    true,
	}, nil
}

// Forward normalizes the input and applies the learned affine transform.
// Batch statistics update the running estimates only in training mode;
// evaluation mode normalizes with the running estimates instead.
func (bn *BatchNorm) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if input.DType != tensor.Float32 {
		return nil, fmt.Errorf("BatchNorm only supports Float32 tensors")
	}
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("BatchNorm expects 2D input [batch_size, features], got shape %v", input.Shape)
	}
	if input.Shape[1] != bn.numFeatures {
		return nil, fmt.Errorf("input features mismatch: expected %d, got %d", bn.numFeatures, input.Shape[1])
	}

	batchSize := input.Shape[0]
	features := bn.numFeatures
	inputData := input.Data.([]float32)

	var meanData, varData []float32
	if bn.training {
		meanData = make([]float32, features)
		varData = make([]float32, features)

		for j := 0; j < features; j++ {
			var sum float32
			for i := 0; i < batchSize; i++ {
				sum += inputData[i*features+j]
			}
			meanData[j] = sum / float32(batchSize)
		}
		for j := 0; j < features; j++ {
			var sumSq float32
			for i := 0; i < batchSize; i++ {
				diff := inputData[i*features+j] - meanData[j]
				sumSq += diff * diff
			}
			varData[j] = sumSq / float32(batchSize)
		}

		momentum := float32(bn.momentum)
		runningMeanData := bn.runningMean.Data.([]float32)
		runningVarData := bn.runningVar.Data.([]float32)
		for i := range meanData {
			runningMeanData[i] = (1.0-momentum)*runningMeanData[i] + momentum*meanData[i]
			runningVarData[i] = (1.0-momentum)*runningVarData[i] + momentum*varData[i]
		}
	} else {
		meanData = bn.runningMean.Data.([]float32)
		varData = bn.runningVar.Data.([]float32)
	}

	// Normalization is computed outside the graph; gradient flows through
	// the affine transform only.
	normalizedData := make([]float32, len(inputData))
	for i := 0; i < batchSize; i++ {
		for j := 0; j < features; j++ {
			idx := i*features + j
			normalizedData[idx] = (inputData[idx] - meanData[j]) /
				float32(math.Sqrt(float64(varData[j])+bn.eps))
		}
	}

	normalized, err := tensor.NewTensor(input.Shape, input.DType, normalizedData)
	if err != nil {
		return nil, fmt.Errorf("failed to create normalized tensor: %w", err)
	}

	scaled, err := tensor.MulAutograd(normalized, bn.gamma)
	if err != nil {
		return nil, fmt.Errorf("scaling failed: %w", err)
	}
	output, err := tensor.AddAutograd(scaled, bn.beta)
	if err != nil {
		return nil, fmt.Errorf("shift failed: %w", err)
	}

	return output, nil
}

// RunningMean returns the running mean estimate.
func (bn *BatchNorm) RunningMean() *tensor.Tensor {
	return bn.runningMean
}

// RunningVar returns the running variance estimate.
func (bn *BatchNorm) RunningVar() *tensor.Tensor {
	return bn.runningVar
}

// Parameters returns the learnable parameters (gamma and beta)
func (bn *BatchNorm) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{bn.gamma, bn.beta}
}

// Train sets the module to training mode
func (bn *BatchNorm) Train() {
	bn.training = true
}

// Eval sets the module to evaluation mode
func (bn *BatchNorm) Eval() {
	bn.training = false
}

// IsTraining returns true if in training mode
func (bn *BatchNorm) IsTraining() bool {
	return bn.training
}

// Sequential allows chaining multiple modules together
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules:  modules,
		training: true,
	}
}

// Forward passes input through all modules in sequence
func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := input
	var err error

	for i, module := range s.modules {
		output, err = module.Forward(output)
		if err != nil {
			return nil, fmt.Errorf("module %d forward failed: %w", i, err)
		}
	}

	return output, nil
}

// Parameters returns all parameters from all modules
func (s *Sequential) Parameters() []*tensor.Tensor {
	var allParams []*tensor.Tensor
	for _, module := range s.modules {
		allParams = append(allParams, module.Parameters()...)
	}
	return allParams
}

// Modules returns the contained modules in order.
func (s *Sequential) Modules() []Module {
	return s.modules
}

// Train sets all modules to training mode
func (s *Sequential) Train() {
	s.training = true
	for _, module := range s.modules {
		module.Train()
	}
}

// Eval sets all modules to evaluation mode
func (s *Sequential) Eval() {
	s.training = false
	for _, module := range s.modules {
		module.Eval()
	}
}

// IsTraining returns true if in training mode
func (s *Sequential) IsTraining() bool {
	return s.training
}

// Add appends a module to the sequential container
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}
