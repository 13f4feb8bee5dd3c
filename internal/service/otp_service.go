package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-service/internal/events"
	"otp-service/internal/metrics"
	"otp-service/internal/model"
	"otp-service/internal/notify"
	"otp-service/internal/util"
)

// Hasher turns a plaintext code into an opaque hash and checks a code against it.
type Hasher interface {
	HashOTP(identity, code string) (string, error)
	VerifyOTP(identity, code, encoded string) (bool, error)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// CodeGenerator returns a numeric code of the given length.
type CodeGenerator func(length int) (string, error)

type Options struct {
	CodeLength      int
	TTL             time.Duration
	MaxAttempts     int
	StoreTimeout    time.Duration
	DeliveryTimeout time.Duration
	Subject         string
	Retention       time.Duration
	PruneInterval   time.Duration
}

type Option func(*OTPService)

func WithClock(c Clock) Option {
	return func(s *OTPService) { s.clock = c }
}

func WithCodeGenerator(g CodeGenerator) Option {
	return func(s *OTPService) { s.codes = g }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *OTPService) { s.events = p }
}

// WithIdentityHasher sets the key used to pseudonymise identities in events.
func WithIdentityHasher(h *events.IdentityHasher) Option {
	return func(s *OTPService) { s.identities = h }
}

// Stats is a point-in-time snapshot; the two counts are read separately and may drift.
type Stats struct {
	TotalOTPs    int64 `json:"total_otps"`
	VerifiedOTPs int64 `json:"verified_otps"`
}

// OTPService issues and verifies one-time passcodes. All per-identity state lives in the store;
// the service holds no locks, so any number of instances may share one store.
type OTPService struct {
	store      model.OTPStore
	hasher     Hasher
	notifier   notify.Notifier
	events     events.Publisher
	identities *events.IdentityHasher
	clock      Clock
	codes      CodeGenerator
	validate   *validator.Validate
	opts       Options
	logger     *zap.Logger
}

func NewOTPService(
	store model.OTPStore,
	hasher Hasher,
	notifier notify.Notifier,
	opts Options,
	logger *zap.Logger,
	options ...Option,
) *OTPService {
	if opts.CodeLength <= 0 {
		opts.CodeLength = 6
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	if opts.Subject == "" {
		opts.Subject = "Your OTP for Verification"
	}

	s := &OTPService{
		store:    store,
		hasher:   hasher,
		notifier: notifier,
		events:   events.Noop{},
		clock:    SystemClock{},
		codes:    util.NumericCode,
		validate: validator.New(),
		opts:     opts,
		logger:   logger,
	}
	for _, o := range options {
		o(s)
	}
	if s.identities == nil {
		s.identities = events.NewEphemeralIdentityHasher()
	}
	return s
}

// RequestOTP sends a fresh code to identity and stores its hash, replacing any earlier code.
// The record is written only after the notifier accepted the message.
func (s *OTPService) RequestOTP(ctx context.Context, rawIdentity string) error {
	identity, err := s.normalizeIdentity(rawIdentity)
	if err != nil {
		metrics.OTPRequestsTotal.WithLabelValues("invalid_input").Inc()
		return err
	}

	code, err := s.codes(s.opts.CodeLength)
	if err != nil {
		return fmt.Errorf("failed to generate OTP: %w", err)
	}

	codeHash, err := s.hasher.HashOTP(identity, code)
	if err != nil {
		return fmt.Errorf("failed to hash OTP: %w", err)
	}

	deliverCtx, cancel := context.WithTimeout(ctx, s.opts.DeliveryTimeout)
	err = s.notifier.Deliver(deliverCtx, identity, notify.OTPMessage(s.opts.Subject, code, s.opts.TTL))
	cancel()
	if err != nil {
		s.logger.Warn("OTP delivery failed", util.Identity(identity), zap.Error(err))
		s.emit(events.TypeDeliveryFailed, identity, nil)
		metrics.OTPRequestsTotal.WithLabelValues("delivery_failed").Inc()
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	// A caller that has already given up gets nothing persisted.
	if err := ctx.Err(); err != nil {
		metrics.OTPRequestsTotal.WithLabelValues("storage_unavailable").Inc()
		return fmt.Errorf("%w: request ended before the OTP was stored: %w", ErrStorageUnavailable, err)
	}

	rec := model.NewOTPRecord(identity, codeHash, s.clock.Now())

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.store.Upsert(storeCtx, rec); err != nil {
		s.logger.Error("Failed to store OTP after delivery", util.Identity(identity), zap.Error(err))
		metrics.OTPRequestsTotal.WithLabelValues("storage_unavailable").Inc()
		return s.storageError("store OTP", err)
	}

	s.logger.Info("OTP issued", util.Identity(identity))
	s.emit(events.TypeIssued, identity, nil)
	metrics.OTPRequestsTotal.WithLabelValues("issued").Inc()
	return nil
}

// VerifyOTP checks code against the live record for identity. Checks run in a fixed order:
// existence, expiry, replay, lockout, then the hash comparison.
func (s *OTPService) VerifyOTP(ctx context.Context, rawIdentity, code string) error {
	identity, err := s.normalizeIdentity(rawIdentity)
	if err != nil {
		s.verifyResult("invalid_input")
		return err
	}
	if err := s.validateCode(code); err != nil {
		s.verifyResult("invalid_input")
		return err
	}

	rec, err := s.get(ctx, identity)
	if errors.Is(err, model.ErrRecordNotFound) {
		s.verifyResult("not_found")
		return ErrNotFound
	}
	if err != nil {
		s.verifyResult("storage_unavailable")
		return s.storageError("read OTP", err)
	}

	if rec.ExpiredAt(s.clock.Now(), s.opts.TTL) {
		s.expire(ctx, rec)
		s.emit(events.TypeExpired, identity, nil)
		s.verifyResult("expired")
		return ErrExpired
	}

	if rec.Verified {
		s.emit(events.TypeReplayed, identity, nil)
		s.verifyResult("already_used")
		return ErrAlreadyUsed
	}

	if rec.Locked(s.opts.MaxAttempts) {
		s.emit(events.TypeLocked, identity, attempts(rec.FailedAttempts))
		s.verifyResult("locked")
		return ErrTooManyAttempts
	}

	match, err := s.hasher.VerifyOTP(identity, code, rec.CodeHash)
	if err != nil {
		s.logger.Error("Stored OTP hash could not be checked", util.Identity(identity), zap.Error(err))
		s.verifyResult("error")
		return fmt.Errorf("failed to check OTP: %w", err)
	}

	if !match {
		return s.rejectGuess(ctx, rec)
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	err = s.store.MarkVerified(storeCtx, rec, s.opts.MaxAttempts)
	if errors.Is(err, model.ErrConditionFailed) {
		return s.lostRace(ctx, rec)
	}
	if err != nil {
		s.verifyResult("storage_unavailable")
		return s.storageError("mark OTP verified", err)
	}

	s.logger.Info("OTP verified", util.Identity(identity))
	s.emit(events.TypeVerified, identity, nil)
	s.verifyResult("verified")
	return nil
}

// Stats counts stored records and the verified subset.
func (s *OTPService) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()

	var stats Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.store.CountAll(gctx)
		if err != nil {
			return err
		}
		stats.TotalOTPs = n
		return nil
	})
	g.Go(func() error {
		n, err := s.store.CountVerified(gctx)
		if err != nil {
			return err
		}
		stats.VerifiedOTPs = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, s.storageError("count OTPs", err)
	}
	return &stats, nil
}

func (s *OTPService) rejectGuess(ctx context.Context, rec *model.OTPRecord) error {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	n, err := s.store.IncrementFailedAttempts(storeCtx, rec)
	if errors.Is(err, model.ErrConditionFailed) {
		return s.lostRace(ctx, rec)
	}
	if err != nil {
		s.verifyResult("storage_unavailable")
		return s.storageError("record failed attempt", err)
	}

	s.logger.Info("OTP rejected",
		util.Identity(rec.Identity),
		zap.Int("failed_attempts", n),
		zap.Int("max_attempts", s.opts.MaxAttempts))
	s.emit(events.TypeInvalid, rec.Identity, attempts(n))
	if n >= s.opts.MaxAttempts {
		s.emit(events.TypeLocked, rec.Identity, attempts(n))
	}
	s.verifyResult("invalid")
	return ErrInvalidCode
}

// lostRace explains a conditional write that found the record changed since it was read.
func (s *OTPService) lostRace(ctx context.Context, observed *model.OTPRecord) error {
	current, err := s.get(ctx, observed.Identity)
	switch {
	case errors.Is(err, model.ErrRecordNotFound):
		s.verifyResult("invalid")
		return ErrInvalidCode
	case err != nil:
		s.verifyResult("storage_unavailable")
		return s.storageError("re-read OTP", err)
	case !current.SameIssuance(observed):
		// Superseded by a newer code; the old guess says nothing about the new one.
		s.verifyResult("invalid")
		return ErrInvalidCode
	case current.Verified:
		s.emit(events.TypeReplayed, observed.Identity, nil)
		s.verifyResult("already_used")
		return ErrAlreadyUsed
	case current.Locked(s.opts.MaxAttempts):
		s.emit(events.TypeLocked, observed.Identity, attempts(current.FailedAttempts))
		s.verifyResult("locked")
		return ErrTooManyAttempts
	default:
		s.verifyResult("invalid")
		return ErrInvalidCode
	}
}

func (s *OTPService) expire(ctx context.Context, rec *model.OTPRecord) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	if err := s.store.DeleteIfUnchanged(storeCtx, rec); err != nil {
		s.logger.Warn("Failed to delete expired OTP", util.Identity(rec.Identity), zap.Error(err))
	}
}

func (s *OTPService) get(ctx context.Context, identity string) (*model.OTPRecord, error) {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.store.Get(storeCtx, identity)
}

func (s *OTPService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}

func (s *OTPService) storageError(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStorageUnavailable, op, err)
}

func (s *OTPService) normalizeIdentity(raw string) (string, error) {
	identity := model.NormalizeIdentity(raw)
	if err := s.validate.Var(identity, "required,email,max=254"); err != nil {
		return "", fmt.Errorf("%w: a valid email address is required", ErrValidation)
	}
	return identity, nil
}

func (s *OTPService) validateCode(code string) error {
	if len(code) != s.opts.CodeLength {
		return fmt.Errorf("%w: OTP must be %d digits", ErrValidation, s.opts.CodeLength)
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return fmt.Errorf("%w: OTP must be %d digits", ErrValidation, s.opts.CodeLength)
		}
	}
	return nil
}

func (s *OTPService) emit(t events.Type, identity string, attrs map[string]string) {
	s.events.Publish(s.identities.New(t, identity, s.clock.Now(), attrs))
}

func (s *OTPService) verifyResult(result string) {
	metrics.OTPVerificationsTotal.WithLabelValues(result).Inc()
}

func attempts(n int) map[string]string {
	return map[string]string{"failed_attempts": strconv.Itoa(n)}
}
