// Package storetest holds the behaviour every model.OTPStore backend must show.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"otp-service/internal/model"
)

// Factory returns an empty store. Cleanup belongs in t.Cleanup.
type Factory func(t *testing.T) model.OTPStore

// Run exercises the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertAndGet", func(t *testing.T) { testUpsertAndGet(t, newStore(t)) })
	t.Run("UpsertReplaces", func(t *testing.T) { testUpsertReplaces(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("IncrementFailedAttempts", func(t *testing.T) { testIncrement(t, newStore(t)) })
	t.Run("IncrementDoesNotResurrect", func(t *testing.T) { testIncrementMissing(t, newStore(t)) })
	t.Run("MarkVerifiedOnce", func(t *testing.T) { testMarkVerifiedOnce(t, newStore(t)) })
	t.Run("MarkVerifiedRespectsLockout", func(t *testing.T) { testMarkVerifiedLocked(t, newStore(t)) })
	t.Run("ConditionalOpsIgnoreReissue", func(t *testing.T) { testReissue(t, newStore(t)) })
	t.Run("ReissueResetsVerifiedAndLocked", func(t *testing.T) { testReissueResets(t, newStore(t)) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("DeleteIfUnchanged", func(t *testing.T) { testDeleteIfUnchanged(t, newStore(t)) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, newStore(t)) })
	t.Run("ConcurrentMarkVerified", func(t *testing.T) { testConcurrentMarkVerified(t, newStore(t)) })
	t.Run("ConcurrentIncrement", func(t *testing.T) { testConcurrentIncrement(t, newStore(t)) })
}

// Record returns an unverified record created now, truncated to milliseconds so that every
// backend round-trips the timestamp exactly.
func Record(identity, hash string) *model.OTPRecord {
	return model.NewOTPRecord(identity, hash, time.Now().UTC().Truncate(time.Millisecond))
}

func mustUpsert(t *testing.T, s model.OTPStore, rec *model.OTPRecord) {
	t.Helper()
	if err := s.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func mustGet(t *testing.T, s model.OTPStore, identity string) *model.OTPRecord {
	t.Helper()
	rec, err := s.Get(context.Background(), identity)
	if err != nil {
		t.Fatalf("Get(%s): %v", identity, err)
	}
	return rec
}

func testUpsertAndGet(t *testing.T, s model.OTPStore) {
	want := Record("get@x.com", "hash-1")
	mustUpsert(t, s, want)

	got := mustGet(t, s, want.Identity)
	if got.Identity != want.Identity || got.CodeHash != want.CodeHash {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Fatalf("createdAt = %s, want %s", got.CreatedAt, want.CreatedAt)
	}
	if got.Verified || got.FailedAttempts != 0 {
		t.Fatalf("fresh record not clean: %+v", got)
	}
}

func testUpsertReplaces(t *testing.T, s model.OTPStore) {
	ctx := context.Background()
	first := Record("replace@x.com", "hash-1")
	mustUpsert(t, s, first)
	if _, err := s.IncrementFailedAttempts(ctx, first); err != nil {
		t.Fatalf("IncrementFailedAttempts: %v", err)
	}
	if err := s.MarkVerified(ctx, first, 3); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}

	second := Record("replace@x.com", "hash-2")
	mustUpsert(t, s, second)

	got := mustGet(t, s, second.Identity)
	if got.CodeHash != "hash-2" || got.Verified || got.FailedAttempts != 0 {
		t.Fatalf("upsert did not reset state: %+v", got)
	}
}

func testGetMissing(t *testing.T, s model.OTPStore) {
	if _, err := s.Get(context.Background(), "nobody@x.com"); !errors.Is(err, model.ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
}

func testIncrement(t *testing.T, s model.OTPStore) {
	ctx := context.Background()
	rec := Record("inc@x.com", "hash-1")
	mustUpsert(t, s, rec)

	for want := 1; want <= 3; want++ {
		n, err := s.IncrementFailedAttempts(ctx, rec)
		if err != nil {
			t.Fatalf("IncrementFailedAttempts: %v", err)
		}
		if n != want {
			t.Fatalf("count = %d, want %d", n, want)
		}
	}
	if got := mustGet(t, s, rec.Identity); got.FailedAttempts != 3 {
		t.Fatalf("stored count = %d, want 3", got.FailedAttempts)
	}

	if err := s.MarkVerified(ctx, rec, 10); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	if _, err := s.IncrementFailedAttempts(ctx, rec); !errors.Is(err, model.ErrConditionFailed) {
		t.Fatalf("increment on verified record: err = %v, want ErrConditionFailed", err)
	}
}

func testIncrementMissing(t *testing.T, s model.OTPStore) {
	ctx := context.Background()
	rec := Record("ghost@x.com", "hash-1")
	if _, err := s.IncrementFailedAttempts(ctx, rec); !errors.Is(err, model.ErrConditionFailed) {
		t.Fatalf("err = %v, want ErrConditionFailed", err)
	}
	if _, err := s.Get(ctx, rec.Identity); !errors.Is(err, model.ErrRecordNotFound) {
		t.Fatalf("increment resurrected a record: %v", err)
	}
}

func testMarkVerifiedOnce(t *testing.T, s model.OTPStore) {
	ctx := context.Background()
	rec := Record("once@x.com", "hash-1")
	mustUpsert(t, s, rec)

	if err := s.MarkVerified(ctx, rec, 3); err != nil {
		t.Fatalf("first MarkVerified: %v", err)
	}
	if err := s.MarkVerified(ctx, rec, 3); !errors.Is(err, model.ErrConditionFailed) {
		t.Fatalf("second MarkVerified: err = %v, want ErrConditionFailed", err)
	}
	if got := mustGet(t, s, rec.Identity); !got.Verified {
		t.Fatal("record not verified")
	}

	missing := Record("missing@x.com", "hash-1")
	if err := s.MarkVerified(ctx, missing, 3); !errors.Is(err, model.ErrConditionFailed) {
		t.Fatalf("MarkVerified on missing: err = %v", err)
	}
	if _, err := s.Get(ctx, missing.Identity); !errors.Is(err, model.ErrRecordNotFound) {
		t.Fatalf("MarkVerified resurrected a record: %v", err)
	}
}

func testMarkVerifiedLocked(t *testing.T, s model.OTPStore) {
	ctx := context.Background()
	rec := Record("locked@x.com", "hash-1")
	mustUpsert(t, s, rec)
	for i := 0; i < 3; i++ {
		if _, err := s.IncrementFailedAttempts(ctx, rec); err != nil {
			t.Fatalf("IncrementFailedAttempts: %v", err)
		}
	}
	if err := s.MarkVerified(ctx, rec, 3); !errors.Is(err, model.ErrConditionFailed) {
		t.Fatalf("MarkVerified on locked record: err = %v", err)
	}
	if got := mustGet(t, s, rec.Identity); got.Verified {
		t.Fatal("locked record was verified")
	}
}

func testReissue(t *testing.T, s model.OTPStore) {
	ctx := context.Background()
	old := Record("reissue@x.com", "hash-old")
	mustUpsert(t, s, old)
	fresh := Record("reissue@x.com", "hash-new")
	mustUpsert(t, s, fresh)

	if _, err := s.IncrementFailedAttempts(ctx, old); !errors.Is(err, model.ErrConditionFailed) {
		t.Fatalf("increment with stale issuance: err = %v", err)
	}
	if err := s.MarkVerified(ctx, old, 3); !errors.Is(err, model.ErrConditionFailed) {
		t.Fatalf("verify with stale issuance: err = %v", err)
	}
	got := mustGet(t, s, fresh.Identity)
	if got.Verified || got.FailedAttempts != 0 || got.CodeHash != "hash-new" {
		t.Fatalf("stale issuance mutated the fresh record: %+v", got)
	}
}

func testReissueResets(t *testing.T, s model.OTPStore) {
	ctx := context.Background()

	verified := Record("reset@x.com", "hash-verified")
	mustUpsert(t, s, verified)
	if _, err := s.IncrementFailedAttempts(ctx, verified); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.MarkVerified(ctx, verified, 3); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	fresh := Record("reset@x.com", "hash-fresh")
	mustUpsert(t, s, fresh)
	if got := mustGet(t, s, fresh.Identity); got.Verified || got.FailedAttempts != 0 || got.CodeHash != "hash-fresh" {
		t.Fatalf("re-issue after verification kept old state: %+v", got)
	}

	locked := Record("locked@x.com", "hash-locked")
	mustUpsert(t, s, locked)
	for i := 0; i < 3; i++ {
		if _, err := s.IncrementFailedAttempts(ctx, locked); err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
	}
	fresh = Record("locked@x.com", "hash-unlocked")
	mustUpsert(t, s, fresh)
	got := mustGet(t, s, fresh.Identity)
	if got.Verified || got.FailedAttempts != 0 || got.CodeHash != "hash-unlocked" {
		t.Fatalf("re-issue after lockout kept old state: %+v", got)
	}
	if err := s.MarkVerified(ctx, got, 3); err != nil {
		t.Fatalf("fresh code must be verifiable: %v", err)
	}
}

func testDelete(t *testing.T, s model.OTPStore) {
	ctx := context.Background()
	if err := s.Delete(ctx, "absent@x.com"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}

	rec := Record("del@x.com", "hash-1")
	mustUpsert(t, s, rec)
	if err := s.Delete(ctx, rec.Identity); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, rec.Identity); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.Get(ctx, rec.Identity); !errors.Is(err, model.ErrRecordNotFound) {
		t.Fatalf("record survived delete: %v", err)
	}
}

func testDeleteIfUnchanged(t *testing.T, s model.OTPStore) {
	ctx := context.Background()
	old := Record("cond-del@x.com", "hash-old")
	mustUpsert(t, s, old)
	fresh := Record("cond-del@x.com", "hash-new")
	mustUpsert(t, s, fresh)

	if err := s.DeleteIfUnchanged(ctx, old); err != nil {
		t.Fatalf("DeleteIfUnchanged stale: %v", err)
	}
	if got := mustGet(t, s, fresh.Identity); got.CodeHash != "hash-new" {
		t.Fatalf("fresh record removed by stale delete")
	}

	if err := s.DeleteIfUnchanged(ctx, fresh); err != nil {
		t.Fatalf("DeleteIfUnchanged: %v", err)
	}
	if _, err := s.Get(ctx, fresh.Identity); !errors.Is(err, model.ErrRecordNotFound) {
		t.Fatalf("record survived conditional delete: %v", err)
	}
	if err := s.DeleteIfUnchanged(ctx, fresh); err != nil {
		t.Fatalf("DeleteIfUnchanged absent: %v", err)
	}
}

func testCounts(t *testing.T, s model.OTPStore) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec := Record(fmt.Sprintf("count%d@x.com", i), "hash")
		mustUpsert(t, s, rec)
		if i%2 == 0 {
			if err := s.MarkVerified(ctx, rec, 3); err != nil {
				t.Fatalf("MarkVerified: %v", err)
			}
		}
	}

	all, err := s.CountAll(ctx)
	if err != nil || all != 5 {
		t.Fatalf("CountAll = %d, %v; want 5", all, err)
	}
	verified, err := s.CountVerified(ctx)
	if err != nil || verified != 3 {
		t.Fatalf("CountVerified = %d, %v; want 3", verified, err)
	}
}

func testConcurrentMarkVerified(t *testing.T, s model.OTPStore) {
	rec := Record("race@x.com", "hash-1")
	mustUpsert(t, s, rec)

	const workers = 16
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch err := s.MarkVerified(context.Background(), rec, 3); {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, model.ErrConditionFailed):
				losses.Add(1)
			default:
				t.Errorf("MarkVerified: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || losses.Load() != workers-1 {
		t.Fatalf("wins = %d, losses = %d; want 1 and %d", wins.Load(), losses.Load(), workers-1)
	}
}

func testConcurrentIncrement(t *testing.T, s model.OTPStore) {
	rec := Record("inc-race@x.com", "hash-1")
	mustUpsert(t, s, rec)

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.IncrementFailedAttempts(context.Background(), rec); err != nil {
				t.Errorf("IncrementFailedAttempts: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := mustGet(t, s, rec.Identity); got.FailedAttempts != workers {
		t.Fatalf("failedAttempts = %d, want %d", got.FailedAttempts, workers)
	}
}
