package dp

import "time"

// Outcome is the per-item result of one publish tick.
type Outcome string

const (
	OutcomeBelowThreshold   Outcome = "below_threshold"
	OutcomeReused           Outcome = "reused"
	OutcomeNewDraw          Outcome = "new_draw"
	OutcomeLockedSkip       Outcome = "locked_skip"
	OutcomeAlreadyPublished Outcome = "already_published"
	OutcomeError            Outcome = "error"
)

// Metrics receives operational signals from the release engine.
type Metrics interface {
	ItemProcessed(outcome Outcome)
	EpsilonCharged(epsilon float64)
	TickFinished(d time.Duration, err error)
	QueryServed(message QueryMessage)
	DraftFailed()
}

// NopMetrics discards all signals.
type NopMetrics struct{}

func (NopMetrics) ItemProcessed(Outcome)             {}
func (NopMetrics) EpsilonCharged(float64)            {}
func (NopMetrics) TickFinished(time.Duration, error) {}
func (NopMetrics) QueryServed(QueryMessage)          {}
func (NopMetrics) DraftFailed()                      {}
