package dp

import (
	"database/sql"
	"time"
)

// WindowStatus is the lifecycle state of a release window.
type WindowStatus string

const (
	WindowActive WindowStatus = "active"
	WindowClosed WindowStatus = "closed"
)

// ReleaseStatus is the lifecycle state of a release row.
// A release moves from draft to published exactly once.
type ReleaseStatus string

const (
	ReleaseDraft     ReleaseStatus = "draft"
	ReleasePublished ReleaseStatus = "published"
)

// Window is a half-open interval [Start, End) during which at most one
// disclosure per item becomes visible. IDs increase monotonically and
// define the order of publications.
type Window struct {
	ID        int64
	Start     time.Time
	End       time.Time
	Status    WindowStatus
	CreatedAt time.Time
	ClosedAt  sql.NullTime
}

// Release is the (item, window) row holding a true count and, once
// published, its randomized value.
type Release struct {
	ItemID          string
	WindowID        int64
	TrueValue       int64
	RandomizedValue sql.NullFloat64
	EpsilonCharged  float64
	MeetsThreshold  bool
	Status          ReleaseStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PublishedAt     sql.NullTime
}

// BudgetRecord is the per-item lifetime epsilon account.
type BudgetRecord struct {
	ItemID      string
	LifetimeCap float64
	EpsilonUsed float64
	NumCharges  int64
	Locked      bool
	LockedAt    sql.NullTime
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PublishRun records one execution of the publish cycle for a window.
type PublishRun struct {
	ID               int64
	RunID            string
	WindowID         int64
	StartedAt        time.Time
	FinishedAt       sql.NullTime
	Status           string // "running", "success" or "error"
	NewDraws         int64
	Reused           int64
	BelowThreshold   int64
	LockedSkips      int64
	AlreadyPublished int64
	Errors           int64
}
