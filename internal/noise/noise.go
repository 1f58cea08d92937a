// Package noise implements the Laplace mechanism used to randomize counts
// before they are disclosed.
package noise

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/google/differential-privacy/go/v2/checks"
	dpnoise "github.com/google/differential-privacy/go/v2/noise"
	"gonum.org/v1/gonum/stat/distuv"
)

// Sampler adds one fresh zero-mean Laplace draw with scale sensitivity/epsilon to x.
type Sampler interface {
	AddLaplace(x, epsilon, sensitivity float64) (float64, error)
}

// SecureLaplace samples through the geometric construction of the Google
// differential privacy library, which avoids floating point leakage.
type SecureLaplace struct{}

func (SecureLaplace) AddLaplace(x, epsilon, sensitivity float64) (float64, error) {
	// A count has a single contribution per user, so the L0 sensitivity is 1.
	return dpnoise.Laplace().AddNoiseFloat64(x, 1, sensitivity, epsilon, 0)
}

// SeededLaplace is a reproducible sampler for demos and tests.
// It must not be used where the draws protect real data.
type SeededLaplace struct {
	mu  sync.Mutex
	src rand.Source
}

// NewSeededLaplace creates a SeededLaplace with a fixed seed.
func NewSeededLaplace(seed uint64) *SeededLaplace {
	return &SeededLaplace{src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
}

func (s *SeededLaplace) AddLaplace(x, epsilon, sensitivity float64) (float64, error) {
	if err := checks.CheckEpsilonStrict(epsilon); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := distuv.Laplace{Mu: 0, Scale: sensitivity / epsilon, Src: s.src}
	return x + d.Rand(), nil
}

// Interval is a two-sided confidence interval around a noisy value.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// CheckThreshold reports whether a true value is large enough to be released.
func CheckThreshold(trueValue, threshold int64) bool {
	return trueValue >= threshold
}

// AddNoise returns trueValue plus one Laplace draw from s.
func AddNoise(s Sampler, trueValue int64, epsilon, sensitivity float64) (float64, error) {
	noisy, err := s.AddLaplace(float64(trueValue), epsilon, sensitivity)
	if err != nil {
		return 0, fmt.Errorf("drawing laplace noise: %w", err)
	}
	return noisy, nil
}

// ConfidenceInterval returns the interval that contains the true value with
// probability confidence. The lower bound is clamped at zero since counts
// are never negative.
func ConfidenceInterval(noisy, epsilon, sensitivity, confidence float64) Interval {
	margin := (sensitivity / epsilon) * math.Log(2/(1-confidence))
	return Interval{
		Lower: math.Max(0, noisy-margin),
		Upper: noisy + margin,
	}
}

// Params configures a Mechanism.
type Params struct {
	Epsilon     float64 // per release
	Sensitivity float64
	Confidence  float64 // for reported intervals, e.g. 0.95
	Threshold   int64   // minimum true value that may be released
}

// Validate rejects parameters that would make the mechanism meaningless.
func (p Params) Validate() error {
	if err := checks.CheckEpsilonStrict(p.Epsilon); err != nil {
		return err
	}
	if p.Sensitivity <= 0 || math.IsInf(p.Sensitivity, 0) || math.IsNaN(p.Sensitivity) {
		return fmt.Errorf("sensitivity is %f, must be strictly positive and finite", p.Sensitivity)
	}
	if !(p.Confidence > 0 && p.Confidence < 1) {
		return fmt.Errorf("confidence is %f, must be in (0, 1)", p.Confidence)
	}
	if p.Threshold < 0 {
		return fmt.Errorf("threshold is %d, must not be negative", p.Threshold)
	}
	return nil
}

// Mechanism binds validated parameters to a sampler.
type Mechanism struct {
	params  Params
	sampler Sampler
}

// New creates a Mechanism. Invalid parameters are rejected here and never
// at draw time.
func New(p Params, s Sampler) (*Mechanism, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid noise parameters: %w", err)
	}
	if s == nil {
		s = SecureLaplace{}
	}
	return &Mechanism{params: p, sampler: s}, nil
}

// Params returns the parameters the mechanism was built with.
func (m *Mechanism) Params() Params { return m.params }

// CheckThreshold reports whether trueValue may be released.
func (m *Mechanism) CheckThreshold(trueValue int64) bool {
	return CheckThreshold(trueValue, m.params.Threshold)
}

// AddNoise draws fresh noise for trueValue. Every call consumes privacy
// budget, so callers decide when a new draw is allowed.
func (m *Mechanism) AddNoise(trueValue int64) (float64, error) {
	return AddNoise(m.sampler, trueValue, m.params.Epsilon, m.params.Sensitivity)
}

// ConfidenceInterval returns the reporting interval for a noisy value.
func (m *Mechanism) ConfidenceInterval(noisy float64) Interval {
	return ConfidenceInterval(noisy, m.params.Epsilon, m.params.Sensitivity, m.params.Confidence)
}
