package dp_test

import (
	"context"
	"testing"
	"time"

	"dp-sidecar/internal/database"
	"dp-sidecar/internal/dp"
	"dp-sidecar/internal/noise"
	"dp-sidecar/internal/testutil"
)

const (
	windowLen    = time.Hour
	testInstance = "instance-1"
)

// harness is a Service over an in-memory ledger with a stub source and a
// stub clock. Each publish call advances the clock past the active window.
type harness struct {
	db     *database.SQLiteDatabase
	source *testutil.StubSource
	clock  *testutil.StubClock
	svc    *dp.Service
}

type harnessOption func(*dp.Settings, *dp.Deps)

func withArchive(arc dp.Archive, enc dp.Encryptor) harnessOption {
	return func(_ *dp.Settings, d *dp.Deps) {
		d.Snapshots = dp.NewSnapshotter(d.Store, arc, enc, testInstance, d.Logger)
	}
}

func withRetention(keep time.Duration) harnessOption {
	return func(s *dp.Settings, _ *dp.Deps) { s.Retention = keep }
}

func withThreshold(threshold int64) harnessOption {
	return func(_ *dp.Settings, d *dp.Deps) {
		d.Mechanism = newMechanism(threshold)
	}
}

func newMechanism(threshold int64) *noise.Mechanism {
	m, err := noise.New(noise.Params{
		Epsilon:     0.5,
		Sensitivity: 1,
		Confidence:  0.95,
		Threshold:   threshold,
	}, noise.NewSeededLaplace(1))
	if err != nil {
		panic(err)
	}
	return m
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	return newHarnessOn(t, testutil.NewTestDatabase(t), opts...)
}

// newHarnessOn builds a harness over the given ledger database.
func newHarnessOn(t *testing.T, db *database.SQLiteDatabase, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		db:     db,
		source: testutil.NewStubSource(),
		clock:  testutil.FixedClock(),
	}

	settings := dp.Settings{
		Budget:        dp.BudgetPolicy{LifetimeCap: 2.0, EpsilonPerRelease: 0.5},
		Windows:       dp.WindowSchedule{Mode: dp.WindowModeInterval, Duration: windowLen},
		PollInterval:  10 * time.Millisecond,
		SourceTimeout: 200 * time.Millisecond,
	}
	deps := dp.Deps{
		Store:     h.db,
		Source:    h.source,
		Mechanism: newMechanism(1),
		Logger:    dp.NewNopLogger(),
		Clock:     h.clock,
		IDGen:     testutil.NewStubIDGenerator(),
	}
	for _, opt := range opts {
		opt(&settings, &deps)
	}

	h.svc = dp.NewService(settings, deps)
	return h
}

// bootstrap opens the first window.
func (h *harness) bootstrap(t *testing.T) {
	t.Helper()
	res, err := h.svc.Tick(context.Background(), false)
	if err != nil {
		t.Fatalf("bootstrap Tick() error = %v", err)
	}
	if !res.Bootstrapped {
		t.Fatalf("bootstrap Tick() = %+v, want Bootstrapped", res)
	}
}

// track queries an item so a draft puts it in the tracked set.
func (h *harness) track(t *testing.T, itemID string) {
	t.Helper()
	if _, err := h.svc.GetCount(context.Background(), itemID); err != nil {
		t.Fatalf("GetCount(%q) error = %v", itemID, err)
	}
	h.svc.Wait()
}

// publish expires the active window and runs a tick.
func (h *harness) publish(t *testing.T) *dp.TickResult {
	t.Helper()
	h.clock.Advance(windowLen)
	res, err := h.svc.Tick(context.Background(), false)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if res.NotDue || res.Bootstrapped {
		t.Fatalf("Tick() = %+v, want a published window", res)
	}
	return res
}

func (h *harness) release(t *testing.T, itemID string, windowID int64) *dp.Release {
	t.Helper()
	r, err := h.db.GetRelease(context.Background(), itemID, windowID)
	if err != nil {
		t.Fatalf("GetRelease() error = %v", err)
	}
	return r
}

func (h *harness) stats(t *testing.T, itemID string) *dp.LifetimeStats {
	t.Helper()
	s, err := h.svc.GetBudget(context.Background(), itemID)
	if err != nil {
		t.Fatalf("GetBudget() error = %v", err)
	}
	return s
}

func approx(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}
