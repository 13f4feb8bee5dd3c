package model

import (
	"context"
	"errors"
	"strings"
	"time"
)

// -------------------- OTP RECORD --------------------

// OTPRecord is the single live passcode state for one identity.
type OTPRecord struct {
	Identity       string    `json:"identity" db:"identity"`               // normalised email address, unique key
	CodeHash       string    `json:"-" db:"code_hash"`                     // encoded argon2id hash, never the code
	CreatedAt      time.Time `json:"created_at" db:"created_at"`           // UTC issuance time
	Verified       bool      `json:"verified" db:"verified"`               // false -> true exactly once
	FailedAttempts int       `json:"failed_attempts" db:"failed_attempts"` // rejected guesses since issuance
}

// NewOTPRecord returns a fresh, unverified record issued at createdAt.
func NewOTPRecord(identity, codeHash string, createdAt time.Time) *OTPRecord {
	return &OTPRecord{
		Identity:  identity,
		CodeHash:  codeHash,
		CreatedAt: createdAt.UTC(),
	}
}

// ExpiredAt reports whether the record is older than ttl at now. Exactly ttl old is still live.
func (r *OTPRecord) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.CreatedAt) > ttl
}

// Locked reports whether the failed-attempt cap has been reached.
func (r *OTPRecord) Locked(maxAttempts int) bool {
	return r.FailedAttempts >= maxAttempts
}

// SameIssuance reports whether other describes the same issued code as r.
func (r *OTPRecord) SameIssuance(other *OTPRecord) bool {
	return other != nil && r.Identity == other.Identity && r.CodeHash == other.CodeHash
}

// NormalizeIdentity trims and lower-cases an email address so that one mailbox maps to one key.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// -------------------- STORE ERRORS --------------------

var (
	ErrRecordNotFound     = errors.New("otp record not found")
	ErrConditionFailed    = errors.New("otp record changed concurrently")
	ErrStorageUnavailable = errors.New("otp storage unavailable")
)

// -------------------- STORE INTERFACES --------------------

// OTPStore is keyed OTP record storage with atomic per-key operations and no business policy.
//
// The conditional operations take the record the caller observed and only apply while the stored
// record is still that issuance (same identity and code hash) and unverified. They never create a
// record. Transport failures wrap ErrStorageUnavailable.
type OTPStore interface {
	// Upsert replaces or creates the record for rec.Identity in one atomic step.
	Upsert(ctx context.Context, rec *OTPRecord) error
	// Get returns ErrRecordNotFound when no record exists.
	Get(ctx context.Context, identity string) (*OTPRecord, error)
	// IncrementFailedAttempts returns the new counter value or ErrConditionFailed.
	IncrementFailedAttempts(ctx context.Context, observed *OTPRecord) (int, error)
	// MarkVerified flips verified to true when failedAttempts is still below maxAttempts,
	// otherwise ErrConditionFailed. At most one caller succeeds per issuance.
	MarkVerified(ctx context.Context, observed *OTPRecord, maxAttempts int) error
	// Delete removes the record; absent is not an error.
	Delete(ctx context.Context, identity string) error
	// DeleteIfUnchanged removes the record only while it is still the observed issuance.
	DeleteIfUnchanged(ctx context.Context, observed *OTPRecord) error
	CountAll(ctx context.Context) (int64, error)
	CountVerified(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) error
}

// Pruner is implemented by stores without native expiry; records created before cutoff are removed.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
