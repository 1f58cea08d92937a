package dp_test

import (
	"context"
	"testing"
	"time"

	"dp-sidecar/internal/dp"
)

func TestQueryPath_States(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.source.Set("post-1", 8)

	getCount := func(t *testing.T) *dp.CountResponse {
		t.Helper()
		resp, err := h.svc.GetCount(ctx, "post-1")
		if err != nil {
			t.Fatalf("GetCount() error = %v", err)
		}
		h.svc.Wait()
		return resp
	}

	t.Run("initializing before the first window", func(t *testing.T) {
		resp := getCount(t)
		if resp.Message != dp.MessageInitializing || resp.Value != nil || resp.WindowID != nil {
			t.Errorf("GetCount() = %+v, want initializing", resp)
		}
		items, _ := h.db.ListTrackedItems(ctx)
		if len(items) != 0 {
			t.Errorf("tracked items = %v, reads must not create rows without a window", items)
		}
	})

	h.bootstrap(t)

	t.Run("insufficient before any publication", func(t *testing.T) {
		resp := getCount(t)
		if resp.Message != dp.MessageInsufficient || resp.Value != nil {
			t.Errorf("GetCount() = %+v, want insufficient", resp)
		}

		draft := h.release(t, "post-1", 1)
		if draft == nil || draft.Status != dp.ReleaseDraft || draft.TrueValue != 8 || draft.RandomizedValue.Valid {
			t.Errorf("draft = %+v, want true value 8 and no randomized value", draft)
		}
	})

	published := h.publish(t)
	rel := h.release(t, "post-1", published.WindowID)

	t.Run("stale while the next window is open", func(t *testing.T) {
		resp := getCount(t)
		if resp.Message != dp.MessageStale || !resp.Stale {
			t.Fatalf("GetCount() = %+v, want stale", resp)
		}
		if resp.Value == nil || *resp.Value != rel.RandomizedValue.Float64 {
			t.Errorf("value = %v, want %v", resp.Value, rel.RandomizedValue.Float64)
		}
		if *resp.WindowID != published.WindowID {
			t.Errorf("window = %d, want %d", *resp.WindowID, published.WindowID)
		}
		ci := resp.ConfidenceInterval
		if ci == nil || ci.Lower < 0 || ci.Lower > *resp.Value || ci.Upper < *resp.Value {
			t.Errorf("interval = %+v does not contain %v", ci, *resp.Value)
		}
	})

	t.Run("current once the open window expires", func(t *testing.T) {
		h.clock.Advance(windowLen)
		resp := getCount(t)
		if resp.Message != dp.MessageOK || resp.Stale {
			t.Errorf("GetCount() = %+v, want ok", resp)
		}
	})

	t.Run("reads never publish", func(t *testing.T) {
		h.source.Set("post-1", 50)
		before := *getCount(t).Value
		after := *getCount(t).Value
		if before != after || before != rel.RandomizedValue.Float64 {
			t.Errorf("value moved from %v to %v without a tick", before, after)
		}
		draft := h.release(t, "post-1", published.NextWindowID)
		if draft.TrueValue != 50 || draft.Status != dp.ReleaseDraft {
			t.Errorf("draft = %+v, want refreshed true value", draft)
		}
	})
}

func TestQueryPath_DraftFailureIsHidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bootstrap(t)
	h.source.Fail("post-1", true)

	resp, err := h.svc.GetCount(ctx, "post-1")
	h.svc.Wait()
	if err != nil {
		t.Fatalf("GetCount() error = %v, draft failures must not surface", err)
	}
	if resp.Message != dp.MessageInsufficient {
		t.Errorf("GetCount() = %+v, want insufficient", resp)
	}
	if r := h.release(t, "post-1", 1); r != nil {
		t.Errorf("release = %+v, want no draft after source failure", r)
	}
}

func TestQueryPath_DraftDoesNotBlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.bootstrap(t)
	h.source.Delay("post-1", 10*time.Second)

	start := time.Now()
	if _, err := h.svc.GetCount(ctx, "post-1"); err != nil {
		t.Fatalf("GetCount() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("GetCount() took %v, draft write blocked the response", elapsed)
	}
	h.svc.Wait()
}

func TestQueryPath_StorageErrorSurfaces(t *testing.T) {
	h := newHarness(t)
	h.bootstrap(t)
	h.db.Close()

	if _, err := h.svc.GetCount(context.Background(), "post-1"); err == nil {
		t.Error("GetCount() on closed store succeeded, want error")
	}
	h.svc.Wait()
}
