package training

import (
	"math"
)

// Interval selects the unit of scheduler updates.
type Interval string

const (
	// IntervalStep updates the learning rate after every optimizer step.
	IntervalStep Interval = "step"
	// IntervalEpoch updates the learning rate once per epoch.
	IntervalEpoch Interval = "epoch"
)

// Valid reports whether the interval is one of the two supported values.
func (i Interval) Valid() bool {
	return i == IntervalStep || i == IntervalEpoch
}

// LRScheduler defines the interface for learning rate scheduling strategies.
// GetLR is a pure function of the tick counter; the tick unit (optimizer
// step or epoch) is chosen by the SchedulerSpec interval.
type LRScheduler interface {
	// GetLR returns the learning rate at the given tick.
	GetLR(tick int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// SchedulerSpec pairs a scheduler with its update interval, frequency, and
// the metric a plateau scheduler monitors.
type SchedulerSpec struct {
	Scheduler LRScheduler
	Interval  Interval
	Frequency int
	Monitor   string
}

// LinearWarmupCosineAnnealingLR ramps the learning rate linearly from
// WarmupStartLR to the base rate over WarmupTicks, then anneals it with a
// cosine curve down to EtaMin at MaxTicks.
type LinearWarmupCosineAnnealingLR struct {
	WarmupTicks   int
	MaxTicks      int
	WarmupStartLR float64
	EtaMin        float64
}

// NewLinearWarmupCosineAnnealingLR creates a warmup-then-cosine scheduler.
func NewLinearWarmupCosineAnnealingLR(warmupTicks, maxTicks int, warmupStartLR, etaMin float64) *LinearWarmupCosineAnnealingLR {
	if maxTicks <= 0 {
		maxTicks = 1
	}
	if warmupTicks < 0 {
		warmupTicks = 0
	}
	if warmupTicks > maxTicks {
		warmupTicks = maxTicks
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &LinearWarmupCosineAnnealingLR{
		WarmupTicks:   warmupTicks,
		MaxTicks:      maxTicks,
		WarmupStartLR: warmupStartLR,
		EtaMin:        etaMin,
	}
}

func (s *LinearWarmupCosineAnnealingLR) GetLR(tick int, baseLR float64) float64 {
	if tick < s.WarmupTicks {
		if s.WarmupTicks == 0 {
			return baseLR
		}
		return s.WarmupStartLR + (baseLR-s.WarmupStartLR)*float64(tick)/float64(s.WarmupTicks)
	}
	if tick >= s.MaxTicks {
		return s.EtaMin
	}

	progress := float64(tick-s.WarmupTicks) / float64(s.MaxTicks-s.WarmupTicks)
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*progress))/2
}

func (s *LinearWarmupCosineAnnealingLR) GetName() string {
	return "LinearWarmupCosineAnnealingLR"
}

// MultiStepLRScheduler multiplies the learning rate by Gamma at each epoch
// listed in Milestones.
type MultiStepLRScheduler struct {
	Milestones []int
	Gamma      float64
}

// NewMultiStepLRScheduler creates a multi-step learning rate scheduler.
func NewMultiStepLRScheduler(milestones []int, gamma float64) *MultiStepLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
	}
	return &MultiStepLRScheduler{
		Milestones: append([]int(nil), milestones...),
		Gamma:      gamma,
	}
}

func (s *MultiStepLRScheduler) GetLR(tick int, baseLR float64) float64 {
	times := 0
	for _, m := range s.Milestones {
		if tick >= m {
			times++
		}
	}
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *MultiStepLRScheduler) GetName() string {
	return "MultiStepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per tick
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(tick int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(tick))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// ReduceLROnPlateauScheduler reduces LR when a monitored metric has stopped
// improving. Unlike the pure schedulers it is stateful: the trainer feeds it
// the monitored metric once per validation epoch through Step.
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min" // Default: minimize loss
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step checks if LR should be reduced based on the monitored metric.
// It is called once per validation epoch and returns the new learning rate.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := false
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(tick int, baseLR float64) float64 {
	// The actual reduction happens in Step() based on the monitored metric.
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(tick int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
