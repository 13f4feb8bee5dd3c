package scylla

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

const (
	insertRecord = `INSERT INTO otp_records (identity, code_hash, created_at, verified, failed_attempts)
        VALUES (?, ?, ?, ?, ?) IF NOT EXISTS USING TTL ?`

	replaceRecord = `UPDATE otp_records USING TTL ?
        SET code_hash = ?, created_at = ?, verified = ?, failed_attempts = ?
        WHERE identity = ? IF EXISTS`

	selectRecord = `SELECT code_hash, created_at, verified, failed_attempts
        FROM otp_records WHERE identity = ?`

	incrementAttempts = `UPDATE otp_records USING TTL ? SET failed_attempts = ?
        WHERE identity = ? IF failed_attempts = ? AND verified = false AND code_hash = ?`

	markVerified = `UPDATE otp_records USING TTL ? SET verified = true
        WHERE identity = ? IF code_hash = ? AND verified = false AND failed_attempts < ?`

	deleteRecord = `DELETE FROM otp_records WHERE identity = ? IF EXISTS`

	deleteRecordIf = `DELETE FROM otp_records WHERE identity = ? IF code_hash = ?`

	scanVerified = `SELECT verified FROM otp_records WHERE token(identity) >= ? AND token(identity) <= ?`

	// Contending writers on one identity retry the read-compare-write this many times.
	maxCASRetries = 32
)

// OTPStore keeps records in ScyllaDB. Every mutation is a lightweight transaction: Paxos
// serialises writers per identity, and cell timestamps all come from ballots, so a re-issue
// always supersedes an earlier verification or increment regardless of client clocks.
// Every write carries the remaining retention as its TTL so that no column outlives the row.
type OTPStore struct {
	client      *ScyllaClient
	retention   time.Duration
	statsRanges int
	logger      *zap.Logger
}

func NewOTPStore(client *ScyllaClient, retention time.Duration, statsRanges int, logger *zap.Logger) *OTPStore {
	if statsRanges < 1 {
		statsRanges = 1
	}
	return &OTPStore{
		client:      client,
		retention:   retention,
		statsRanges: statsRanges,
		logger:      logger,
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, model.ErrStorageUnavailable, err)
}

// ttlFor returns the seconds left in the retention window of a record created at createdAt.
func (s *OTPStore) ttlFor(createdAt time.Time) int {
	left := s.retention - time.Since(createdAt)
	if left < time.Second {
		return 1
	}
	return int(left.Seconds())
}

// Upsert inserts when the row is absent and overwrites it when present. A row deleted or
// created between the two statements sends the loop round again.
func (s *OTPStore) Upsert(ctx context.Context, rec *model.OTPRecord) error {
	ttl := s.ttlFor(rec.CreatedAt)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		applied, err := s.client.Query(insertRecord,
			rec.Identity, rec.CodeHash, rec.CreatedAt, rec.Verified, rec.FailedAttempts, ttl,
		).WithContext(ctx).MapScanCAS(map[string]any{})
		if err != nil {
			s.logger.Error("Failed to insert OTP record", util.Identity(rec.Identity), zap.Error(err))
			return unavailable("upsert otp record", err)
		}
		if applied {
			return nil
		}

		applied, err = s.client.Query(replaceRecord,
			ttl, rec.CodeHash, rec.CreatedAt, rec.Verified, rec.FailedAttempts, rec.Identity,
		).WithContext(ctx).MapScanCAS(map[string]any{})
		if err != nil {
			s.logger.Error("Failed to replace OTP record", util.Identity(rec.Identity), zap.Error(err))
			return unavailable("upsert otp record", err)
		}
		if applied {
			return nil
		}
	}

	return unavailable("upsert otp record", fmt.Errorf("gave up after %d contended updates", maxCASRetries))
}

func (s *OTPStore) Get(ctx context.Context, identity string) (*model.OTPRecord, error) {
	return s.get(ctx, identity, false)
}

// get reads at the session consistency, or at LOCAL_SERIAL to observe in-flight LWTs.
func (s *OTPStore) get(ctx context.Context, identity string, serial bool) (*model.OTPRecord, error) {
	rec := &model.OTPRecord{Identity: identity}
	q := s.client.Query(selectRecord, identity).WithContext(ctx)
	if serial {
		q = q.Consistency(gocql.Consistency(gocql.LocalSerial))
	}
	err := q.Scan(&rec.CodeHash, &rec.CreatedAt, &rec.Verified, &rec.FailedAttempts)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrRecordNotFound
		}
		s.logger.Error("Failed to read OTP record", util.Identity(identity), zap.Error(err))
		return nil, unavailable("read otp record", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func (s *OTPStore) IncrementFailedAttempts(ctx context.Context, observed *model.OTPRecord) (int, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := s.get(ctx, observed.Identity, true)
		if errors.Is(err, model.ErrRecordNotFound) {
			return 0, model.ErrConditionFailed
		}
		if err != nil {
			return 0, err
		}
		if !observed.SameIssuance(current) || current.Verified {
			return 0, model.ErrConditionFailed
		}

		next := current.FailedAttempts + 1
		applied, err := s.client.Query(incrementAttempts,
			s.ttlFor(current.CreatedAt), next, observed.Identity, current.FailedAttempts, observed.CodeHash,
		).WithContext(ctx).MapScanCAS(map[string]any{})
		if err != nil {
			s.logger.Error("Failed to increment OTP attempts", util.Identity(observed.Identity), zap.Error(err))
			return 0, unavailable("increment otp attempts", err)
		}
		if applied {
			return next, nil
		}
	}

	return 0, unavailable("increment otp attempts", fmt.Errorf("gave up after %d contended updates", maxCASRetries))
}

func (s *OTPStore) MarkVerified(ctx context.Context, observed *model.OTPRecord, maxAttempts int) error {
	applied, err := s.client.Query(markVerified,
		s.ttlFor(observed.CreatedAt), observed.Identity, observed.CodeHash, maxAttempts,
	).WithContext(ctx).MapScanCAS(map[string]any{})
	if err != nil {
		s.logger.Error("Failed to mark OTP verified", util.Identity(observed.Identity), zap.Error(err))
		return unavailable("mark otp verified", err)
	}
	if !applied {
		return model.ErrConditionFailed
	}
	return nil
}

func (s *OTPStore) Delete(ctx context.Context, identity string) error {
	if _, err := s.client.Query(deleteRecord, identity).WithContext(ctx).MapScanCAS(map[string]any{}); err != nil {
		s.logger.Error("Failed to delete OTP record", util.Identity(identity), zap.Error(err))
		return unavailable("delete otp record", err)
	}
	return nil
}

func (s *OTPStore) DeleteIfUnchanged(ctx context.Context, observed *model.OTPRecord) error {
	if _, err := s.client.Query(deleteRecordIf, observed.Identity, observed.CodeHash).
		WithContext(ctx).MapScanCAS(map[string]any{}); err != nil {
		s.logger.Error("Failed to delete expired OTP record", util.Identity(observed.Identity), zap.Error(err))
		return unavailable("delete expired otp record", err)
	}
	return nil
}

func (s *OTPStore) CountAll(ctx context.Context) (int64, error) {
	all, _, err := s.counts(ctx)
	return all, err
}

func (s *OTPStore) CountVerified(ctx context.Context) (int64, error) {
	_, verified, err := s.counts(ctx)
	return verified, err
}

// counts scans the token ring in statsRanges slices concurrently.
func (s *OTPStore) counts(ctx context.Context) (int64, int64, error) {
	ranges := tokenRanges(s.statsRanges)
	totals := make([][2]int64, len(ranges))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range ranges {
		i, r := i, r
		g.Go(func() error {
			iter := s.client.Query(scanVerified, r[0], r[1]).WithContext(gctx).Iter()
			var verified bool
			for iter.Scan(&verified) {
				totals[i][0]++
				if verified {
					totals[i][1]++
				}
			}
			return iter.Close()
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Error("Failed to count OTP records", zap.Error(err))
		return 0, 0, unavailable("count otp records", err)
	}

	var all, verified int64
	for _, t := range totals {
		all += t[0]
		verified += t[1]
	}
	return all, verified, nil
}

func (s *OTPStore) HealthCheck(ctx context.Context) error {
	if err := s.client.HealthCheck(ctx); err != nil {
		return unavailable("reach scylla", err)
	}
	return nil
}

// tokenRanges splits the Murmur3Partitioner ring [MinInt64, MaxInt64] into n inclusive slices.
func tokenRanges(n int) [][2]int64 {
	if n < 1 {
		n = 1
	}
	width := math.MaxUint64 / uint64(n)
	out := make([][2]int64, n)
	start := uint64(1) << 63 // MinInt64 as a bit pattern
	for i := 0; i < n; i++ {
		end := start + width - 1
		if i == n-1 {
			end = uint64(math.MaxInt64)
		}
		out[i] = [2]int64{int64(start), int64(end)}
		start = end + 1
	}
	return out
}
