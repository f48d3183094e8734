package model

import (
	"math"
	"sort"
	"time"
)

// DeploymentStatus tracks where the challenger configuration stands.
type DeploymentStatus string

const (
	DeploymentBaseline DeploymentStatus = "baseline"
	DeploymentTesting  DeploymentStatus = "testing"
	DeploymentEnhanced DeploymentStatus = "enhanced"
)

// EvolutionStateID is the fixed key the evolution state is upserted under.
const EvolutionStateID = "primary"

// Weight component names of the challenger heuristic.
const (
	WeightMaterial    = "material"
	WeightInitiative  = "initiative"
	WeightTempo       = "tempo"
	WeightKingSafety  = "king_safety"
	WeightDevelopment = "development"
)

// DefaultWeights returns the initial, uniform challenger weight vector.
func DefaultWeights() Weights {
	names := []string{WeightMaterial, WeightInitiative, WeightTempo, WeightKingSafety, WeightDevelopment}
	w := make(Weights, len(names))
	for _, n := range names {
		w[n] = 1 / float64(len(names))
	}
	return w
}

// Weights is a named, normalised weight vector.
type Weights map[string]float64

// Sum returns the total of all components.
func (w Weights) Sum() float64 {
	var s float64
	for _, k := range w.Names() {
		s += w[k]
	}
	return s
}

// Names returns component names in a stable order.
func (w Weights) Names() []string {
	names := make([]string, 0, len(w))
	for k := range w {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone returns an independent copy.
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Normalize rescales w in place so its components sum to 1. Negative or
// non-finite components are clamped to zero; an all-zero vector becomes uniform.
func (w Weights) Normalize() {
	if len(w) == 0 {
		return
	}
	for k, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			w[k] = 0
		}
	}
	sum := w.Sum()
	if sum == 0 {
		for k := range w {
			w[k] = 1 / float64(len(w))
		}
		return
	}
	for k, v := range w {
		w[k] = v / sum
	}
}

// EvolutionState is the durable challenger configuration.
type EvolutionState struct {
	Generation int              `json:"generation"`
	Weights    Weights          `json:"weights"`
	Fitness    float64          `json:"fitness"`
	Status     DeploymentStatus `json:"status"`
	AutoDeploy bool             `json:"auto_deploy"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// NewEvolutionState returns generation zero with default weights.
func NewEvolutionState(autoDeploy bool) *EvolutionState {
	return &EvolutionState{
		Weights:    DefaultWeights(),
		Status:     DeploymentBaseline,
		AutoDeploy: autoDeploy,
		UpdatedAt:  time.Now().UTC(),
	}
}

// Clone returns a deep copy.
func (e *EvolutionState) Clone() *EvolutionState {
	if e == nil {
		return nil
	}
	c := *e
	c.Weights = e.Weights.Clone()
	return &c
}

// PromotionSnapshot is the durable justification for a promotion.
type PromotionSnapshot struct {
	Generation       int       `json:"generation"`
	Accuracy         float64   `json:"accuracy"`
	BaselineAccuracy float64   `json:"baseline_accuracy"`
	Improvement      float64   `json:"improvement"`
	PValue           float64   `json:"p_value"`
	SampleSize       int       `json:"sample_size"`
	Weights          Weights   `json:"weights"`
	PromotedAt       time.Time `json:"promoted_at"`
}
