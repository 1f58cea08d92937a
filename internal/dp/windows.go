package dp

import (
	"context"
	"fmt"
	"time"
)

// Window modes.
const (
	WindowModeInterval = "interval" // fixed duration from the rotation time
	WindowModeDaily    = "daily"    // ends at the next daily reset time
)

// WindowSchedule decides the bounds of the next window.
type WindowSchedule struct {
	Mode      string
	Duration  time.Duration // interval mode
	ResetHour int           // daily mode
	ResetMin  int           // daily mode
	Location  *time.Location
}

// NextBounds returns the bounds of a window opened at now.
func (s WindowSchedule) NextBounds(now time.Time) (time.Time, time.Time) {
	switch s.Mode {
	case WindowModeDaily:
		loc := s.Location
		if loc == nil {
			loc = time.UTC
		}
		local := now.In(loc)
		end := time.Date(local.Year(), local.Month(), local.Day(), s.ResetHour, s.ResetMin, 0, 0, loc)
		if !end.After(local) {
			end = end.AddDate(0, 0, 1)
		}
		return now, end.UTC()
	default:
		return now, now.Add(s.Duration)
	}
}

// WindowManager resolves and rotates release windows.
// Only the publish cycle creates windows; reads never do.
type WindowManager struct {
	store    Store
	schedule WindowSchedule
	clock    Clock
	logger   Logger
}

// NewWindowManager creates a WindowManager.
func NewWindowManager(store Store, schedule WindowSchedule, clock Clock, logger Logger) *WindowManager {
	return &WindowManager{store: store, schedule: schedule, clock: clock, logger: logger}
}

// Current returns the window readers should see: the active window while it
// is open, otherwise the most recently closed window. An expired active
// window is returned only when nothing has been closed yet. Returns nil on a
// cold system.
func (m *WindowManager) Current(ctx context.Context) (*Window, error) {
	active, err := m.store.GetActiveWindow(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active window: %w", err)
	}
	if active != nil && active.End.After(m.clock.Now()) {
		return active, nil
	}

	closed, err := m.store.GetLatestClosedWindow(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading latest closed window: %w", err)
	}
	if closed != nil {
		return closed, nil
	}
	return active, nil
}

// DraftTarget returns the active window, expired or not, which is the
// window the next publish cycle will close. Returns nil if none exists.
func (m *WindowManager) DraftTarget(ctx context.Context) (*Window, error) {
	w, err := m.store.GetActiveWindow(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active window: %w", err)
	}
	return w, nil
}

// Due reports whether the window has reached its end.
func (m *WindowManager) Due(w *Window) bool {
	return !m.clock.Now().Before(w.End)
}

// Rotate closes the active window, if any, and opens the next one in a
// single transaction, so readers never observe zero active windows.
func (m *WindowManager) Rotate(ctx context.Context) (*Window, error) {
	var next *Window
	err := m.store.InTx(ctx, func(q Queries) error {
		now := m.clock.Now()

		active, err := q.GetActiveWindow(ctx)
		if err != nil {
			return fmt.Errorf("loading active window: %w", err)
		}
		if active != nil {
			if err := q.CloseWindow(ctx, active.ID, now); err != nil {
				return fmt.Errorf("closing window %d: %w", active.ID, err)
			}
		}

		start, end := m.schedule.NextBounds(now)
		next, err = q.InsertWindow(ctx, start, end, now)
		if err != nil {
			return fmt.Errorf("opening window: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("window opened", "window_id", next.ID, "start", next.Start, "end", next.End)
	return next, nil
}
