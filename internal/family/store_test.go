package family

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewStore(client, "rtf", time.Hour)
}

func activeFamily(id string) *Family {
	now := time.Now()
	return &Family{
		FamilyID:      id,
		UserID:        "user-1",
		SessionID:     "sess-1",
		CreatedAt:     now,
		LastRotatedAt: now,
		Active:        true,
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	fam := activeFamily("fam-1")
	fam.Metadata = map[string]string{"origin": "login"}
	if err := store.Save(ctx, fam); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(ctx, "fam-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != "user-1" || got.SessionID != "sess-1" {
		t.Fatalf("unexpected family: %+v", got)
	}
	if !got.Active {
		t.Fatal("expected family to be active")
	}
	if got.RotationCount != 0 {
		t.Fatalf("expected rotation count 0, got %d", got.RotationCount)
	}
	if got.Metadata["origin"] != "login" {
		t.Fatalf("metadata not preserved: %v", got.Metadata)
	}
}

func TestGetUnknownFamily(t *testing.T) {
	_, store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceMonotonic(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, activeFamily("fam-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var last int64
	for i := 1; i <= 10; i++ {
		token := "tok-" + strconv.Itoa(i)
		if err := store.BindToken(ctx, token, "fam-1"); err != nil {
			t.Fatalf("BindToken %d failed: %v", i, err)
		}
		count, err := store.Advance(ctx, "fam-1", token, time.Now())
		if err != nil {
			t.Fatalf("Advance %d failed: %v", i, err)
		}
		if count != last+1 {
			t.Fatalf("advance %d: expected count %d, got %d", i, last+1, count)
		}
		last = count
	}

	got, err := store.Get(ctx, "fam-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RotationCount != 10 {
		t.Fatalf("expected rotation count 10, got %d", got.RotationCount)
	}
}

func TestAdvanceUnknownFamily(t *testing.T) {
	_, store := newTestStore(t)

	_, err := store.Advance(context.Background(), "missing", "tok-1", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAdvanceInvalidatedFamily(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, activeFamily("fam-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.Invalidate(ctx, "fam-1", "logout", time.Now()); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	_, err := store.Advance(ctx, "fam-1", "tok-1", time.Now())
	if !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestAdvanceFirstRotationUsesSavedClaim(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	fam := activeFamily("fam-1")
	fam.CurrentTokenID = "tok-seed"
	if err := store.Save(ctx, fam); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// The claim stamped at save time gates the first advance: only the token
	// that started the lineage passes.
	if _, err := store.Advance(ctx, "fam-1", "tok-other", time.Now()); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("expected ErrStaleToken for a non-claimed token, got %v", err)
	}
	count, err := store.Advance(ctx, "fam-1", "tok-seed", time.Now())
	if err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

func TestAdvanceWithoutClaimAdmitsNobody(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, activeFamily("fam-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A family that never received a claim rejects every advance. Families
	// only become reachable through a token binding, and every binding stamps
	// the claim.
	if _, err := store.Advance(ctx, "fam-1", "any-token", time.Now()); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("expected ErrStaleToken, got %v", err)
	}
}

func TestAdvanceStaleToken(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, activeFamily("fam-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.BindToken(ctx, "tok-current", "fam-1"); err != nil {
		t.Fatalf("BindToken failed: %v", err)
	}

	_, err := store.Advance(ctx, "fam-1", "tok-old", time.Now())
	if !errors.Is(err, ErrStaleToken) {
		t.Fatalf("expected ErrStaleToken, got %v", err)
	}
}

func TestAdvanceConcurrentSingleWinner(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, activeFamily("fam-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.BindToken(ctx, "tok-1", "fam-1"); err != nil {
		t.Fatalf("BindToken failed: %v", err)
	}

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := store.Advance(ctx, "fam-1", "tok-1", time.Now())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, stale := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrStaleToken):
			stale++
		default:
			t.Fatalf("unexpected advance error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if stale != n-1 {
		t.Fatalf("expected %d stale losers, got %d", n-1, stale)
	}

	got, err := store.Get(ctx, "fam-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RotationCount != 1 {
		t.Fatalf("expected rotation count 1, got %d", got.RotationCount)
	}
}

func TestInvalidateIdempotent(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, activeFamily("fam-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	done, err := store.Invalidate(ctx, "fam-1", "compromise", time.Now())
	if err != nil {
		t.Fatalf("first Invalidate failed: %v", err)
	}
	if !done {
		t.Fatal("expected first invalidation to transition")
	}

	done, err = store.Invalidate(ctx, "fam-1", "compromise", time.Now())
	if err != nil {
		t.Fatalf("second Invalidate failed: %v", err)
	}
	if done {
		t.Fatal("expected second invalidation to be a no-op")
	}

	got, err := store.Get(ctx, "fam-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Active {
		t.Fatal("expected family to stay invalidated")
	}
}

func TestInvalidateUnknownFamily(t *testing.T) {
	_, store := newTestStore(t)

	done, err := store.Invalidate(context.Background(), "missing", "whatever", time.Now())
	if err != nil {
		t.Fatalf("Invalidate on unknown id failed: %v", err)
	}
	if done {
		t.Fatal("expected no transition for unknown family")
	}
}

func TestInvalidatedStateIsTerminal(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, activeFamily("fam-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := store.Invalidate(ctx, "fam-1", "logout", time.Now()); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}

	// A terminated family never advances again, no matter how often tried.
	for i := 0; i < 3; i++ {
		if _, err := store.Advance(ctx, "fam-1", "tok-1", time.Now()); !errors.Is(err, ErrInactive) {
			t.Fatalf("attempt %d: expected ErrInactive, got %v", i, err)
		}
	}
}

func TestBindTokenAndResolve(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if err := store.BindToken(ctx, "tok-1", "fam-1"); err != nil {
		t.Fatalf("BindToken failed: %v", err)
	}

	familyID, err := store.FamilyIDForToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("FamilyIDForToken failed: %v", err)
	}
	if familyID != "fam-1" {
		t.Fatalf("expected fam-1, got %q", familyID)
	}

	_, err = store.FamilyIDForToken(ctx, "tok-unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBindTokenNXSingleWinner(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	bound, err := store.BindTokenNX(ctx, "tok-1", "fam-a")
	if err != nil {
		t.Fatalf("first BindTokenNX failed: %v", err)
	}
	if !bound {
		t.Fatal("expected the first bind to win")
	}

	bound, err = store.BindTokenNX(ctx, "tok-1", "fam-b")
	if err != nil {
		t.Fatalf("second BindTokenNX failed: %v", err)
	}
	if bound {
		t.Fatal("expected the second bind to lose")
	}

	familyID, err := store.FamilyIDForToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("FamilyIDForToken failed: %v", err)
	}
	if familyID != "fam-a" {
		t.Fatalf("expected the winner's binding to survive, got %q", familyID)
	}
}

func TestDeleteFamily(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, activeFamily("fam-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(ctx, "fam-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := store.Get(ctx, "fam-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an absent family is a no-op.
	if err := store.Delete(ctx, "fam-1"); err != nil {
		t.Fatalf("Delete of absent family failed: %v", err)
	}
}

func TestFamilyTTLApplied(t *testing.T) {
	mr, store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, activeFamily("fam-1")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	mr.FastForward(2 * time.Hour)

	_, err := store.Get(ctx, "fam-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected family to expire, got %v", err)
	}
}

func TestCountFamilies(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Save(ctx, activeFamily(id)); err != nil {
			t.Fatalf("Save %s failed: %v", id, err)
		}
	}
	// Token index keys must not count as families.
	if err := store.BindToken(ctx, "tok-1", "a"); err != nil {
		t.Fatalf("BindToken failed: %v", err)
	}

	count, err := store.CountFamilies(ctx)
	if err != nil {
		t.Fatalf("CountFamilies failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 families, got %d", count)
	}
}
