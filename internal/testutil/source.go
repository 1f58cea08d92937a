package testutil

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSourceDown is returned by StubSource for items marked as failing.
var ErrSourceDown = errors.New("source unavailable")

// StubSource serves settable true counts. Items can be made to fail or to
// block until their context is done. Safe for concurrent use.
type StubSource struct {
	mu      sync.Mutex
	counts  map[string]int64
	failing map[string]bool
	delay   map[string]time.Duration
	calls   map[string]int
}

func NewStubSource() *StubSource {
	return &StubSource{
		counts:  make(map[string]int64),
		failing: make(map[string]bool),
		delay:   make(map[string]time.Duration),
		calls:   make(map[string]int),
	}
}

// Set sets the true count of an item.
func (s *StubSource) Set(itemID string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[itemID] = n
}

// Fail makes TrueCount return ErrSourceDown for an item.
func (s *StubSource) Fail(itemID string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[itemID] = fail
}

// Delay makes TrueCount wait d (or until ctx is done) for an item.
func (s *StubSource) Delay(itemID string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay[itemID] = d
}

// Calls returns how many times TrueCount was called for an item.
func (s *StubSource) Calls(itemID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[itemID]
}

func (s *StubSource) TrueCount(ctx context.Context, itemID string) (int64, error) {
	s.mu.Lock()
	s.calls[itemID]++
	n, fail, d := s.counts[itemID], s.failing[itemID], s.delay[itemID]
	s.mu.Unlock()

	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if fail {
		return 0, ErrSourceDown
	}
	return n, nil
}
