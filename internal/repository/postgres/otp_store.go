package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS otp_records (
    identity        TEXT PRIMARY KEY,
    code_hash       TEXT        NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    verified        BOOLEAN     NOT NULL DEFAULT FALSE,
    failed_attempts INTEGER     NOT NULL DEFAULT 0 CHECK (failed_attempts >= 0)
);
CREATE INDEX IF NOT EXISTS otp_records_created_at_idx ON otp_records (created_at);
`

// DB is the part of pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// OTPStore keeps records in PostgreSQL. Each conditional operation is one statement whose
// WHERE clause carries the condition, so the row lock taken by UPDATE/DELETE serialises
// concurrent callers and the loser matches zero rows.
type OTPStore struct {
	db     DB
	logger *zap.Logger
}

func NewOTPStore(db DB, logger *zap.Logger) *OTPStore {
	return &OTPStore{db: db, logger: logger}
}

// EnsureSchema creates the otp_records table and its created_at index.
func (s *OTPStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create otp_records table: %w", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, model.ErrStorageUnavailable, err)
}

func (s *OTPStore) Upsert(ctx context.Context, rec *model.OTPRecord) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO otp_records (identity, code_hash, created_at, verified, failed_attempts)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (identity) DO UPDATE
SET code_hash = EXCLUDED.code_hash,
    created_at = EXCLUDED.created_at,
    verified = EXCLUDED.verified,
    failed_attempts = EXCLUDED.failed_attempts`,
		rec.Identity, rec.CodeHash, rec.CreatedAt, rec.Verified, rec.FailedAttempts,
	)
	if err != nil {
		s.logger.Error("Failed to upsert OTP record", util.Identity(rec.Identity), zap.Error(err))
		return unavailable("upsert otp record", err)
	}
	return nil
}

func (s *OTPStore) Get(ctx context.Context, identity string) (*model.OTPRecord, error) {
	rec := &model.OTPRecord{Identity: identity}
	err := s.db.QueryRow(ctx, `
SELECT code_hash, created_at, verified, failed_attempts
FROM otp_records WHERE identity = $1`, identity,
	).Scan(&rec.CodeHash, &rec.CreatedAt, &rec.Verified, &rec.FailedAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrRecordNotFound
		}
		s.logger.Error("Failed to read OTP record", util.Identity(identity), zap.Error(err))
		return nil, unavailable("read otp record", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}

func (s *OTPStore) IncrementFailedAttempts(ctx context.Context, observed *model.OTPRecord) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
UPDATE otp_records SET failed_attempts = failed_attempts + 1
WHERE identity = $1 AND code_hash = $2 AND verified = FALSE
RETURNING failed_attempts`, observed.Identity, observed.CodeHash,
	).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, model.ErrConditionFailed
		}
		s.logger.Error("Failed to increment OTP attempts", util.Identity(observed.Identity), zap.Error(err))
		return 0, unavailable("increment otp attempts", err)
	}
	return n, nil
}

func (s *OTPStore) MarkVerified(ctx context.Context, observed *model.OTPRecord, maxAttempts int) error {
	tag, err := s.db.Exec(ctx, `
UPDATE otp_records SET verified = TRUE
WHERE identity = $1 AND code_hash = $2 AND verified = FALSE AND failed_attempts < $3`,
		observed.Identity, observed.CodeHash, maxAttempts,
	)
	if err != nil {
		s.logger.Error("Failed to mark OTP verified", util.Identity(observed.Identity), zap.Error(err))
		return unavailable("mark otp verified", err)
	}
	if tag.RowsAffected() != 1 {
		return model.ErrConditionFailed
	}
	return nil
}

func (s *OTPStore) Delete(ctx context.Context, identity string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM otp_records WHERE identity = $1`, identity); err != nil {
		s.logger.Error("Failed to delete OTP record", util.Identity(identity), zap.Error(err))
		return unavailable("delete otp record", err)
	}
	return nil
}

func (s *OTPStore) DeleteIfUnchanged(ctx context.Context, observed *model.OTPRecord) error {
	_, err := s.db.Exec(ctx, `DELETE FROM otp_records WHERE identity = $1 AND code_hash = $2`,
		observed.Identity, observed.CodeHash)
	if err != nil {
		s.logger.Error("Failed to delete expired OTP record", util.Identity(observed.Identity), zap.Error(err))
		return unavailable("delete expired otp record", err)
	}
	return nil
}

func (s *OTPStore) CountAll(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM otp_records`).Scan(&n); err != nil {
		return 0, unavailable("count otp records", err)
	}
	return n, nil
}

func (s *OTPStore) CountVerified(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FILTER (WHERE verified) FROM otp_records`).Scan(&n); err != nil {
		return 0, unavailable("count verified otp records", err)
	}
	return n, nil
}

func (s *OTPStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM otp_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, unavailable("prune otp records", err)
	}
	return tag.RowsAffected(), nil
}

func (s *OTPStore) HealthCheck(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return unavailable("ping postgres", err)
	}
	return nil
}
