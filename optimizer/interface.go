package optimizer

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-probe/tensor"
)

// ParamGroup is a set of parameters updated with a shared learning rate and
// weight decay. Group learning rates are resolved to absolute values at
// construction; schedulers later rescale all groups proportionally through
// SetLR.
type ParamGroup struct {
	Name        string
	Params      []*tensor.Tensor
	LR          float64
	WeightDecay float64

	// ExcludeAdaptation disables per-parameter trust-ratio scaling for this
	// group. Only LARS consults it.
	ExcludeAdaptation bool
}

// Optimizer is the common interface of all parameter-group optimizers.
type Optimizer interface {
	// Step updates parameters from their accumulated gradients.
	Step() error
	// ZeroGrad clears the gradients of every parameter in every group.
	ZeroGrad()
	// GetLR returns the current base learning rate.
	GetLR() float64
	// SetLR rescales the base learning rate; per-group rates keep their
	// ratio to the base.
	SetLR(lr float64)
	// Groups returns the parameter groups.
	Groups() []ParamGroup
	// Name returns the optimizer name for logging and checkpoints.
	Name() string
	// State extracts optimizer state for checkpointing.
	State() (*State, error)
	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *State) error
}

// StateTensor is a serialized optimizer slot (momentum, first/second moment).
type StateTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// State is the serializable state of an optimizer.
type State struct {
	Type           string             `json:"type"`
	StepCount      uint64             `json:"step_count"`
	BaseLR         float64            `json:"base_lr"`
	Hyperparams    map[string]float64 `json:"hyperparams,omitempty"`
	Slots          []StateTensor      `json:"slots,omitempty"`
	GroupLRs       []float64          `json:"group_lrs,omitempty"`
	GroupDecayRate []float64          `json:"group_weight_decays,omitempty"`
}

// base carries the bookkeeping shared by every optimizer: groups, the base
// learning rate, and the per-group scale factors relative to it.
type base struct {
	mu        sync.RWMutex
	groups    []ParamGroup
	baseLR    float64
	scales    []float64
	stepCount uint64
}

func newBase(groups []ParamGroup, lr float64) (base, error) {
	if lr <= 0 {
		return base{}, fmt.Errorf("learning rate must be positive, got %g", lr)
	}
	if len(groups) == 0 {
		return base{}, fmt.Errorf("optimizer requires at least one parameter group")
	}

	scales := make([]float64, len(groups))
	for i := range groups {
		if len(groups[i].Params) == 0 {
			return base{}, fmt.Errorf("parameter group %q is empty", groups[i].Name)
		}
		if groups[i].LR <= 0 {
			groups[i].LR = lr
		}
		scales[i] = groups[i].LR / lr
	}

	return base{
		groups: groups,
		baseLR: lr,
		scales: scales,
	}, nil
}

func (b *base) GetLR() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.baseLR
}

func (b *base) SetLR(lr float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.baseLR = lr
	for i := range b.groups {
		b.groups[i].LR = lr * b.scales[i]
	}
}

func (b *base) Groups() []ParamGroup {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.groups
}

func (b *base) ZeroGrad() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, g := range b.groups {
		tensor.ZeroGrad(g.Params)
	}
}

func (b *base) StepCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stepCount
}

// slotKey names an optimizer state slot for serialization.
func slotKey(slot string, group, param int) string {
	return fmt.Sprintf("%s_g%d_p%d", slot, group, param)
}

// gradData returns the gradient slice of p, or nil when no gradient has been
// accumulated or the parameter is frozen.
func gradData(p *tensor.Tensor) []float32 {
	if !p.RequiresGrad() || p.Grad() == nil {
		return nil
	}
	data, err := p.Grad().Float32Data()
	if err != nil {
		return nil
	}
	return data
}

func (b *base) exportSlots(optType string, slots map[*tensor.Tensor][]float32, slotName string) *State {
	state := &State{
		Type:      optType,
		StepCount: b.stepCount,
		BaseLR:    b.baseLR,
	}
	for gi, g := range b.groups {
		state.GroupLRs = append(state.GroupLRs, g.LR)
		state.GroupDecayRate = append(state.GroupDecayRate, g.WeightDecay)
		for pi, p := range g.Params {
			if buf, ok := slots[p]; ok {
				state.Slots = append(state.Slots, StateTensor{
					Name:  slotKey(slotName, gi, pi),
					Shape: append([]int(nil), p.Shape...),
					Data:  append([]float32(nil), buf...),
				})
			}
		}
	}
	return state
}

func (b *base) importSlots(state *State, slots map[*tensor.Tensor][]float32, slotName string) error {
	byName := make(map[string]StateTensor, len(state.Slots))
	for _, s := range state.Slots {
		byName[s.Name] = s
	}
	for gi, g := range b.groups {
		for pi, p := range g.Params {
			s, ok := byName[slotKey(slotName, gi, pi)]
			if !ok {
				continue
			}
			if len(s.Data) != p.NumElems {
				return fmt.Errorf("state slot %s has %d elements, parameter has %d", s.Name, len(s.Data), p.NumElems)
			}
			slots[p] = append([]float32(nil), s.Data...)
		}
	}
	b.stepCount = state.StepCount
	return nil
}

// SingleGroup wraps a flat parameter list into one unnamed group.
func SingleGroup(params []*tensor.Tensor, weightDecay float64) []ParamGroup {
	return []ParamGroup{{Params: params, WeightDecay: weightDecay}}
}
