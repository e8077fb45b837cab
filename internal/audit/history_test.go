package audit

import (
	"context"
	"strconv"
	"testing"
	"time"
)

func TestHistoryRecentOrderedOldestFirst(t *testing.T) {
	h := NewHistory(100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.Emit(ctx, Record{
			UserID:    "user-1",
			TokenID:   "tok-" + strconv.Itoa(i),
			Timestamp: time.Now(),
		})
	}

	recent := h.Recent("user-1")
	if len(recent) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recent))
	}
	for i, rec := range recent {
		if want := "tok-" + strconv.Itoa(i); rec.TokenID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, rec.TokenID)
		}
	}
}

func TestHistoryBounded(t *testing.T) {
	h := NewHistory(3)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		h.Emit(ctx, Record{
			UserID:    "user-1",
			TokenID:   "tok-" + strconv.Itoa(i),
			Timestamp: time.Now(),
		})
	}

	recent := h.Recent("user-1")
	if len(recent) != 3 {
		t.Fatalf("expected ring of 3, got %d", len(recent))
	}
	if recent[0].TokenID != "tok-7" || recent[2].TokenID != "tok-9" {
		t.Fatalf("expected oldest entries evicted, got %v", recent)
	}
}

func TestHistorySkipsEmptyUserID(t *testing.T) {
	h := NewHistory(10)
	h.Emit(context.Background(), Record{TokenID: "tok-1", Timestamp: time.Now()})

	if h.Entries() != 0 {
		t.Fatalf("expected anonymous records to be skipped, got %d entries", h.Entries())
	}
}

func TestHistoryRecentReturnsCopy(t *testing.T) {
	h := NewHistory(10)
	ctx := context.Background()
	h.Emit(ctx, Record{UserID: "user-1", TokenID: "tok-1", Timestamp: time.Now()})

	recent := h.Recent("user-1")
	recent[0].TokenID = "mutated"

	again := h.Recent("user-1")
	if again[0].TokenID != "tok-1" {
		t.Fatal("Recent must return a copy, not the backing slice")
	}
}

func TestHistoryTrimExpired(t *testing.T) {
	h := NewHistory(10)
	ctx := context.Background()
	now := time.Now()

	h.Emit(ctx, Record{UserID: "user-1", TokenID: "old", Timestamp: now.Add(-2 * time.Hour)})
	h.Emit(ctx, Record{UserID: "user-1", TokenID: "fresh", Timestamp: now})
	h.Emit(ctx, Record{UserID: "user-2", TokenID: "stale", Timestamp: now.Add(-3 * time.Hour)})

	trimmed := h.TrimExpired(time.Hour, now)
	if trimmed != 2 {
		t.Fatalf("expected 2 trimmed records, got %d", trimmed)
	}

	if recent := h.Recent("user-1"); len(recent) != 1 || recent[0].TokenID != "fresh" {
		t.Fatalf("expected only the fresh record, got %v", recent)
	}
	if recent := h.Recent("user-2"); len(recent) != 0 {
		t.Fatalf("expected user-2 slot released, got %v", recent)
	}
	if h.Entries() != 1 {
		t.Fatalf("expected 1 total entry, got %d", h.Entries())
	}
}
