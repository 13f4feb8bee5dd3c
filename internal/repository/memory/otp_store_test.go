package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"otp-service/internal/model"
	"otp-service/internal/repository/storetest"
)

func TestOTPStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) model.OTPStore {
		return NewOTPStore(8)
	})
}

func TestPruneBefore(t *testing.T) {
	ctx := context.Background()
	s := NewOTPStore(4)
	now := time.Now().UTC()

	old := model.NewOTPRecord("old@x.com", "h", now.Add(-48*time.Hour))
	fresh := model.NewOTPRecord("fresh@x.com", "h", now)
	_ = s.Upsert(ctx, old)
	_ = s.Upsert(ctx, fresh)

	removed, err := s.PruneBefore(ctx, now.Add(-24*time.Hour))
	if err != nil || removed != 1 {
		t.Fatalf("PruneBefore = %d, %v; want 1", removed, err)
	}
	if _, err := s.Get(ctx, old.Identity); !errors.Is(err, model.ErrRecordNotFound) {
		t.Fatalf("old record survived prune: %v", err)
	}
	if _, err := s.Get(ctx, fresh.Identity); err != nil {
		t.Fatalf("fresh record pruned: %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewOTPStore(1)
	if err := s.Upsert(ctx, model.NewOTPRecord("a@x.com", "h", time.Now())); !errors.Is(err, model.ErrStorageUnavailable) {
		t.Fatalf("err = %v, want ErrStorageUnavailable", err)
	}
}

func TestStoredRecordIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewOTPStore(1)
	rec := model.NewOTPRecord("copy@x.com", "h", time.Now())
	_ = s.Upsert(ctx, rec)

	rec.Verified = true
	got, _ := s.Get(ctx, "copy@x.com")
	if got.Verified {
		t.Fatal("caller mutation leaked into the store")
	}
}
