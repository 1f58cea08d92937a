package dp_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dp-sidecar/internal/dp"
	"dp-sidecar/internal/testutil"
)

func TestPublisher_LifetimeSequence(t *testing.T) {
	// cap 2.0, 0.5 per release, threshold 1
	h := newHarness(t)
	ctx := context.Background()

	h.bootstrap(t)
	h.source.Set("post-1", 3)
	h.track(t, "post-1")

	steps := []struct {
		value     int64
		outcome   dp.Outcome
		charged   float64
		remaining float64
		locked    bool
	}{
		{3, dp.OutcomeNewDraw, 0.5, 1.5, false},
		{3, dp.OutcomeReused, 0, 1.5, false},
		{7, dp.OutcomeNewDraw, 0.5, 1.0, false},
		{7, dp.OutcomeReused, 0, 1.0, false},
		{11, dp.OutcomeNewDraw, 0.5, 0.5, true},
		{15, dp.OutcomeLockedSkip, 0, 0.5, true},
	}

	var lastValue float64
	var lastWindow int64
	for i, step := range steps {
		h.source.Set("post-1", step.value)
		res := h.publish(t)

		if res.Outcomes[step.outcome] != 1 {
			t.Fatalf("tick %d outcomes = %v, want %s", i+1, res.Outcomes, step.outcome)
		}

		rel := h.release(t, "post-1", res.WindowID)
		if step.outcome == dp.OutcomeLockedSkip {
			if rel != nil {
				t.Errorf("tick %d wrote a release for a locked item: %+v", i+1, rel)
			}
		} else {
			if rel == nil || rel.Status != dp.ReleasePublished || !rel.RandomizedValue.Valid {
				t.Fatalf("tick %d release = %+v, want published with value", i+1, rel)
			}
			if rel.EpsilonCharged != step.charged {
				t.Errorf("tick %d charged %g, want %g", i+1, rel.EpsilonCharged, step.charged)
			}
			if step.outcome == dp.OutcomeReused && rel.RandomizedValue.Float64 != lastValue {
				t.Errorf("tick %d reused value %v, want %v", i+1, rel.RandomizedValue.Float64, lastValue)
			}
			lastValue = rel.RandomizedValue.Float64
			lastWindow = res.WindowID
		}

		stats := h.stats(t, "post-1")
		if !approx(stats.Remaining, step.remaining) {
			t.Errorf("tick %d remaining = %g, want %g", i+1, stats.Remaining, step.remaining)
		}
		if stats.Locked != step.locked {
			t.Errorf("tick %d locked = %v, want %v", i+1, stats.Locked, step.locked)
		}
		if stats.Used > stats.Cap+1e-9 {
			t.Errorf("tick %d used %g exceeds cap %g", i+1, stats.Used, stats.Cap)
		}
	}

	resp, err := h.svc.GetCount(ctx, "post-1")
	if err != nil {
		t.Fatalf("GetCount() error = %v", err)
	}
	h.svc.Wait()
	if !resp.Locked || resp.Message != dp.MessageLocked {
		t.Errorf("GetCount() = %+v, want locked", resp)
	}
	if resp.Value == nil || *resp.Value != lastValue {
		t.Errorf("GetCount() value = %v, want %v from the last draw", resp.Value, lastValue)
	}
	if resp.WindowID == nil || *resp.WindowID != lastWindow {
		t.Errorf("GetCount() window = %v, want %d", resp.WindowID, lastWindow)
	}
}

func TestPublisher_LockIsPermanent(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t)
	h.source.Set("post-1", 1)
	h.track(t, "post-1")

	// Every tick changes the value until the budget runs out.
	for i := int64(0); i < 4; i++ {
		h.source.Set("post-1", 10+i)
		h.publish(t)
	}
	if !h.stats(t, "post-1").Locked {
		t.Fatal("item not locked after exhausting its budget")
	}

	for _, v := range []int64{10, 13, 100, 0, 13} {
		h.source.Set("post-1", v)
		res := h.publish(t)
		if res.Outcomes[dp.OutcomeNewDraw] != 0 {
			t.Fatalf("locked item drew new noise for value %d", v)
		}
		if !h.stats(t, "post-1").Locked {
			t.Fatalf("item unlocked after value %d", v)
		}
	}
}

func TestPublisher_BelowThresholdIsSilent(t *testing.T) {
	h := newHarness(t, withThreshold(5))
	ctx := context.Background()

	h.bootstrap(t)
	h.source.Set("post-1", 3)
	h.track(t, "post-1")

	res := h.publish(t)
	if res.Outcomes[dp.OutcomeBelowThreshold] != 1 {
		t.Fatalf("outcomes = %v, want below threshold", res.Outcomes)
	}

	rel := h.release(t, "post-1", res.WindowID)
	if rel == nil || rel.Status != dp.ReleaseDraft || rel.RandomizedValue.Valid || rel.MeetsThreshold {
		t.Errorf("release = %+v, want untouched below-threshold draft", rel)
	}
	if stats := h.stats(t, "post-1"); stats.NumCharges != 0 || stats.Used != 0 {
		t.Errorf("stats = %+v, want no charge", stats)
	}

	resp, err := h.svc.GetCount(ctx, "post-1")
	h.svc.Wait()
	if err != nil {
		t.Fatalf("GetCount() error = %v", err)
	}
	if resp.Value != nil || resp.Message != dp.MessageInsufficient {
		t.Errorf("GetCount() = %+v, want insufficient without value", resp)
	}
}

func TestPublisher_NotDueUntilForced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bootstrap(t)

	res, err := h.svc.Tick(ctx, false)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !res.NotDue || res.WindowID != 1 {
		t.Errorf("Tick() = %+v, want window 1 not due", res)
	}

	res, err = h.svc.Tick(ctx, true)
	if err != nil {
		t.Fatalf("forced Tick() error = %v", err)
	}
	if res.WindowID != 1 || res.NextWindowID != 2 {
		t.Errorf("forced Tick() = %+v, want window 1 published and window 2 opened", res)
	}
}

func TestPublisher_RebootstrapsAfterLostWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bootstrap(t)
	h.publish(t)

	// A crash between closing and opening leaves no active window.
	if err := h.db.CloseWindow(ctx, 2, h.clock.Now()); err != nil {
		t.Fatalf("CloseWindow() error = %v", err)
	}

	res, err := h.svc.Tick(ctx, false)
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if !res.Bootstrapped || res.WindowID != 3 {
		t.Errorf("Tick() = %+v, want window 3 bootstrapped", res)
	}
}

func TestPublisher_PerItemIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bootstrap(t)

	for _, item := range []string{"a", "b", "c", "slow"} {
		h.source.Set(item, 4)
		h.track(t, item)
	}
	h.source.Fail("b", true)
	h.source.Delay("slow", 10*time.Second)

	start := time.Now()
	res := h.publish(t)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("tick took %v, slow source was not bounded", elapsed)
	}

	want := map[dp.Outcome]int{dp.OutcomeNewDraw: 2, dp.OutcomeError: 2}
	if diff := cmp.Diff(want, res.Outcomes); diff != "" {
		t.Errorf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if res.NextWindowID != 2 {
		t.Errorf("NextWindowID = %d, want 2: failures must not stop rotation", res.NextWindowID)
	}

	runs, err := h.svc.PublishHistory(ctx, 10)
	if err != nil {
		t.Fatalf("PublishHistory() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "error" || runs[0].Errors != 2 || runs[0].NewDraws != 2 {
		t.Errorf("PublishHistory() = %+v, want one run with 2 draws and 2 errors", runs)
	}

	if h.stats(t, "b").NumCharges != 0 {
		t.Error("failed item was charged")
	}
}

func TestPublisher_PublishWindowIsIdempotent(t *testing.T) {
	db := testutil.NewTestDatabase(t)
	clock := testutil.FixedClock()
	source := testutil.NewStubSource()
	logger := dp.NewNopLogger()
	ctx := context.Background()

	policy := dp.BudgetPolicy{LifetimeCap: 2.0, EpsilonPerRelease: 0.5}
	windows := dp.NewWindowManager(db, dp.WindowSchedule{Mode: dp.WindowModeInterval, Duration: windowLen}, clock, logger)
	pub := dp.NewPublisher(dp.PublisherDeps{
		Store:     db,
		Source:    source,
		Mechanism: newMechanism(1),
		Ledger:    dp.NewLedger(db, policy, clock),
		Windows:   windows,
		Logger:    logger,
		Clock:     clock,
		IDGen:     testutil.NewStubIDGenerator(),
	})

	if _, err := pub.Tick(ctx, false); err != nil {
		t.Fatalf("bootstrap Tick() error = %v", err)
	}
	source.Set("post-1", 9)
	if err := db.UpsertDraft(ctx, &dp.Release{
		ItemID: "post-1", WindowID: 1, TrueValue: 9, MeetsThreshold: true,
		Status: dp.ReleaseDraft, CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
	}); err != nil {
		t.Fatalf("UpsertDraft() error = %v", err)
	}

	first, err := pub.PublishWindow(ctx, 1)
	if err != nil {
		t.Fatalf("PublishWindow() error = %v", err)
	}
	if first.Outcomes[dp.OutcomeNewDraw] != 1 {
		t.Fatalf("first PublishWindow() = %+v, want one draw", first)
	}
	before, _ := db.GetRelease(ctx, "post-1", 1)

	source.Set("post-1", 12)
	again, err := pub.PublishWindow(ctx, 1)
	if err != nil {
		t.Fatalf("second PublishWindow() error = %v", err)
	}
	if !again.AlreadyDone {
		t.Errorf("second PublishWindow() = %+v, want AlreadyDone", again)
	}

	after, _ := db.GetRelease(ctx, "post-1", 1)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("release changed on retry (-before +after):\n%s", diff)
	}
	budget, _ := db.GetBudget(ctx, "post-1")
	if budget.NumCharges != 1 {
		t.Errorf("NumCharges = %d after retry, want 1", budget.NumCharges)
	}
	runs, _ := db.ListPublishRuns(ctx, 10)
	if len(runs) != 1 {
		t.Errorf("%d publish runs recorded, want 1", len(runs))
	}

	if _, err := pub.PublishWindow(ctx, 99); !errors.Is(err, dp.ErrWindowNotFound) {
		t.Errorf("PublishWindow(99) error = %v, want ErrWindowNotFound", err)
	}
}

func TestPublisher_ReuseComparesWithPreviousWindowOnly(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t)
	h.source.Set("post-1", 5)
	h.track(t, "post-1")

	first := h.publish(t)
	h.source.Set("post-1", 6)
	h.publish(t)
	h.source.Set("post-1", 5)
	third := h.publish(t)

	// Returning to an older value is still a change from the last release.
	if third.Outcomes[dp.OutcomeNewDraw] != 1 {
		t.Fatalf("outcomes = %v, want new draw", third.Outcomes)
	}
	a := h.release(t, "post-1", first.WindowID)
	c := h.release(t, "post-1", third.WindowID)
	if a.RandomizedValue.Float64 == c.RandomizedValue.Float64 {
		t.Error("returning value reused an older draw")
	}
}

func TestPublisher_RetrySkipsItemsPublishedBeforeCrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.bootstrap(t)
	h.source.Set("a", 5)
	h.source.Set("b", 8)
	h.track(t, "a")
	h.track(t, "b")

	// A tick published and charged "a" in the still active window, then
	// died before closing it.
	now := h.clock.Now()
	if err := h.db.UpsertPublished(ctx, &dp.Release{
		ItemID:          "a",
		WindowID:        1,
		TrueValue:       5,
		RandomizedValue: sql.NullFloat64{Float64: 5.3, Valid: true},
		EpsilonCharged:  0.5,
		MeetsThreshold:  true,
		Status:          dp.ReleasePublished,
		CreatedAt:       now,
		UpdatedAt:       now,
		PublishedAt:     sql.NullTime{Time: now, Valid: true},
	}); err != nil {
		t.Fatalf("UpsertPublished() error = %v", err)
	}
	ledger := dp.NewLedger(h.db, dp.BudgetPolicy{LifetimeCap: 2.0, EpsilonPerRelease: 0.5}, h.clock)
	if _, err := ledger.Deduct(ctx, "a", 0.5); err != nil {
		t.Fatalf("Deduct() error = %v", err)
	}

	res := h.publish(t)
	if res.WindowID != 1 {
		t.Fatalf("Tick() published window %d, want 1", res.WindowID)
	}
	want := map[dp.Outcome]int{dp.OutcomeAlreadyPublished: 1, dp.OutcomeNewDraw: 1}
	if diff := cmp.Diff(want, res.Outcomes); diff != "" {
		t.Errorf("Tick() outcomes mismatch (-want +got):\n%s", diff)
	}

	a := h.release(t, "a", 1)
	if a == nil || a.RandomizedValue.Float64 != 5.3 {
		t.Errorf("release a = %+v, want the value published before the crash", a)
	}
	budget, err := h.db.GetBudget(ctx, "a")
	if err != nil {
		t.Fatalf("GetBudget() error = %v", err)
	}
	if budget.NumCharges != 1 || !approx(budget.EpsilonUsed, 0.5) {
		t.Errorf("budget a = %d charges, %g used, want 1 charge of 0.5", budget.NumCharges, budget.EpsilonUsed)
	}

	b := h.release(t, "b", 1)
	if b == nil || b.Status != dp.ReleasePublished || !b.RandomizedValue.Valid {
		t.Errorf("release b = %+v, want published with value", b)
	}

	runs, err := h.db.ListPublishRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListPublishRuns() error = %v", err)
	}
	if len(runs) != 1 || runs[0].AlreadyPublished != 1 || runs[0].NewDraws != 1 {
		t.Errorf("publish runs = %+v, want one run with 1 already published and 1 draw", runs)
	}
}
