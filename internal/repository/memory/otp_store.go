package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"otp-service/internal/bucketing"
	"otp-service/internal/model"
)

type shard struct {
	mu      sync.Mutex
	records map[string]model.OTPRecord
}

// OTPStore keeps records in process. Keys are spread over murmur3 shards, each with its own
// lock, so operations on unrelated identities do not contend. Every operation holds exactly
// one shard lock for its whole read-modify-write, which is what makes it atomic.
type OTPStore struct {
	buckets *bucketing.Manager
	shards  []*shard
}

func NewOTPStore(shards int) *OTPStore {
	bm := bucketing.NewManager(shards)
	s := &OTPStore{
		buckets: bm,
		shards:  make([]*shard, bm.Buckets()),
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]model.OTPRecord)}
	}
	return s
}

func (s *OTPStore) shardFor(identity string) *shard {
	return s.shards[s.buckets.Bucket(identity)]
}

func (s *OTPStore) Upsert(ctx context.Context, rec *model.OTPRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}

	sh := s.shardFor(rec.Identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.records[rec.Identity] = *rec
	return nil
}

func (s *OTPStore) Get(ctx context.Context, identity string) (*model.OTPRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}

	sh := s.shardFor(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[identity]
	if !ok {
		return nil, model.ErrRecordNotFound
	}
	return &rec, nil
}

func (s *OTPStore) IncrementFailedAttempts(ctx context.Context, observed *model.OTPRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}

	sh := s.shardFor(observed.Identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[observed.Identity]
	if !ok || rec.CodeHash != observed.CodeHash || rec.Verified {
		return 0, model.ErrConditionFailed
	}
	rec.FailedAttempts++
	sh.records[observed.Identity] = rec
	return rec.FailedAttempts, nil
}

func (s *OTPStore) MarkVerified(ctx context.Context, observed *model.OTPRecord, maxAttempts int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}

	sh := s.shardFor(observed.Identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[observed.Identity]
	if !ok || rec.CodeHash != observed.CodeHash || rec.Verified || rec.FailedAttempts >= maxAttempts {
		return model.ErrConditionFailed
	}
	rec.Verified = true
	sh.records[observed.Identity] = rec
	return nil
}

func (s *OTPStore) Delete(ctx context.Context, identity string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}

	sh := s.shardFor(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.records, identity)
	return nil
}

func (s *OTPStore) DeleteIfUnchanged(ctx context.Context, observed *model.OTPRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
	}

	sh := s.shardFor(observed.Identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[observed.Identity]; ok && rec.CodeHash == observed.CodeHash {
		delete(sh.records, observed.Identity)
	}
	return nil
}

func (s *OTPStore) CountAll(ctx context.Context) (int64, error) {
	return s.count(ctx, func(model.OTPRecord) bool { return true })
}

func (s *OTPStore) CountVerified(ctx context.Context) (int64, error) {
	return s.count(ctx, func(r model.OTPRecord) bool { return r.Verified })
}

// count visits shards one at a time; the total is a snapshot, not a point-in-time view.
func (s *OTPStore) count(ctx context.Context, match func(model.OTPRecord) bool) (int64, error) {
	var total int64
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
		sh.mu.Lock()
		for _, rec := range sh.records {
			if match(rec) {
				total++
			}
		}
		sh.mu.Unlock()
	}
	return total, nil
}

func (s *OTPStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return removed, fmt.Errorf("%w: %v", model.ErrStorageUnavailable, err)
		}
		sh.mu.Lock()
		for id, rec := range sh.records {
			if rec.CreatedAt.Before(cutoff) {
				delete(sh.records, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed, nil
}

func (s *OTPStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}
