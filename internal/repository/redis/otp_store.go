package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

const (
	otpPrefix = "otp:"

	fieldCodeHash       = "code_hash"
	fieldCreatedAt      = "created_at"
	fieldVerified       = "verified"
	fieldFailedAttempts = "failed_attempts"

	scanBatch = 500
)

// Each conditional mutation runs as one script so the check and the write cannot interleave
// with another instance.
var (
	incrementScript = goredis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'code_hash', 'verified')
if not h[1] or h[1] ~= ARGV[1] or h[2] ~= '0' then
	return -1
end
return redis.call('HINCRBY', KEYS[1], 'failed_attempts', 1)
`)

	markVerifiedScript = goredis.NewScript(`
local h = redis.call('HMGET', KEYS[1], 'code_hash', 'verified', 'failed_attempts')
if not h[1] or h[1] ~= ARGV[1] or h[2] ~= '0' then
	return 0
end
if tonumber(h[3]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'verified', '1')
return 1
`)

	deleteIfUnchangedScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'code_hash') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// OTPStore keeps one hash per identity under otp:<identity>. Keys expire after the retention
// window, which is the passive cleanup for records nobody verifies.
type OTPStore struct {
	rdb       goredis.UniversalClient
	retention time.Duration
	logger    *zap.Logger
}

func NewOTPStore(rdb goredis.UniversalClient, retention time.Duration, logger *zap.Logger) *OTPStore {
	return &OTPStore{
		rdb:       rdb,
		retention: retention,
		logger:    logger,
	}
}

func key(identity string) string {
	return otpPrefix + identity
}

func unavailable(op string, err error) error {
	return fmt.Errorf("failed to %s: %w: %w", op, model.ErrStorageUnavailable, err)
}

func (s *OTPStore) Upsert(ctx context.Context, rec *model.OTPRecord) error {
	k := key(rec.Identity)

	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k,
			fieldCodeHash, rec.CodeHash,
			fieldCreatedAt, rec.CreatedAt.UnixMilli(),
			fieldVerified, boolField(rec.Verified),
			fieldFailedAttempts, rec.FailedAttempts,
		)
		pipe.PExpire(ctx, k, s.retention)
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to upsert OTP record", util.Identity(rec.Identity), zap.Error(err))
		return unavailable("upsert otp record", err)
	}

	s.logger.Debug("OTP record stored", util.Identity(rec.Identity), zap.Duration("retention", s.retention))
	return nil
}

func (s *OTPStore) Get(ctx context.Context, identity string) (*model.OTPRecord, error) {
	fields, err := s.rdb.HGetAll(ctx, key(identity)).Result()
	if err != nil {
		s.logger.Error("Failed to read OTP record", util.Identity(identity), zap.Error(err))
		return nil, unavailable("read otp record", err)
	}
	if len(fields) == 0 {
		return nil, model.ErrRecordNotFound
	}
	return parseRecord(identity, fields)
}

func (s *OTPStore) IncrementFailedAttempts(ctx context.Context, observed *model.OTPRecord) (int, error) {
	n, err := incrementScript.Run(ctx, s.rdb, []string{key(observed.Identity)}, observed.CodeHash).Int64()
	if err != nil {
		s.logger.Error("Failed to increment OTP attempts", util.Identity(observed.Identity), zap.Error(err))
		return 0, unavailable("increment otp attempts", err)
	}
	if n < 0 {
		return 0, model.ErrConditionFailed
	}
	return int(n), nil
}

func (s *OTPStore) MarkVerified(ctx context.Context, observed *model.OTPRecord, maxAttempts int) error {
	n, err := markVerifiedScript.Run(ctx, s.rdb, []string{key(observed.Identity)}, observed.CodeHash, maxAttempts).Int64()
	if err != nil {
		s.logger.Error("Failed to mark OTP verified", util.Identity(observed.Identity), zap.Error(err))
		return unavailable("mark otp verified", err)
	}
	if n != 1 {
		return model.ErrConditionFailed
	}
	return nil
}

func (s *OTPStore) Delete(ctx context.Context, identity string) error {
	if err := s.rdb.Del(ctx, key(identity)).Err(); err != nil {
		s.logger.Error("Failed to delete OTP record", util.Identity(identity), zap.Error(err))
		return unavailable("delete otp record", err)
	}
	return nil
}

func (s *OTPStore) DeleteIfUnchanged(ctx context.Context, observed *model.OTPRecord) error {
	if err := deleteIfUnchangedScript.Run(ctx, s.rdb, []string{key(observed.Identity)}, observed.CodeHash).Err(); err != nil {
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

// counts walks otp:* with SCAN and pipelines the verified flag per batch. Keys written or
// expired during the walk may or may not be seen.
func (s *OTPStore) counts(ctx context.Context) (all, verified int64, err error) {
	iter := s.rdb.Scan(ctx, 0, otpPrefix+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		pipe := s.rdb.Pipeline()
		cmds := make([]*goredis.StringCmd, len(batch))
		for i, k := range batch {
			cmds[i] = pipe.HGet(ctx, k, fieldVerified)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		for _, cmd := range cmds {
			v, err := cmd.Result()
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			all++
			if v == "1" {
				verified++
			}
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return 0, 0, unavailable("count otp records", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return 0, 0, unavailable("scan otp records", err)
	}
	if err := flush(); err != nil {
		return 0, 0, unavailable("count otp records", err)
	}

	s.logger.Debug("OTP records counted", zap.Int64("total", all), zap.Int64("verified", verified))
	return all, verified, nil
}

func (s *OTPStore) HealthCheck(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping redis", err)
	}
	return nil
}

func parseRecord(identity string, fields map[string]string) (*model.OTPRecord, error) {
	createdMs, err := strconv.ParseInt(fields[fieldCreatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt otp record %s: created_at: %w", util.MaskEmail(identity), err)
	}
	attempts, err := strconv.Atoi(fields[fieldFailedAttempts])
	if err != nil {
		return nil, fmt.Errorf("corrupt otp record %s: failed_attempts: %w", util.MaskEmail(identity), err)
	}

	return &model.OTPRecord{
		Identity:       identity,
		CodeHash:       fields[fieldCodeHash],
		CreatedAt:      time.UnixMilli(createdMs).UTC(),
		Verified:       fields[fieldVerified] == "1",
		FailedAttempts: attempts,
	}, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
