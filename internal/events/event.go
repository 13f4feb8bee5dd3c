package events

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeIssued         Type = "otp.issued"
	TypeDeliveryFailed Type = "otp.delivery_failed"
	TypeVerified       Type = "otp.verified"
	TypeInvalid        Type = "otp.invalid"
	TypeExpired        Type = "otp.expired"
	TypeLocked         Type = "otp.locked"
	TypeReplayed       Type = "otp.replayed"
)

// Event is an audit record of one lifecycle transition. Identities are hashed, never stored raw.
type Event struct {
	ID           string            `json:"id"`
	Type         Type              `json:"type"`
	IdentityHash string            `json:"identity_hash"`
	OccurredAt   time.Time         `json:"occurred_at"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

const identityLabel = "otp-events/identity"

// IdentityHasher pseudonymises identities for events with a keyed HMAC-SHA256.
type IdentityHasher struct {
	key []byte
}

// NewIdentityHasher derives the event key from secret. Instances sharing a secret produce the
// same hash for an identity.
func NewIdentityHasher(secret []byte) *IdentityHasher {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(identityLabel))
	return &IdentityHasher{key: m.Sum(nil)}
}

// NewEphemeralIdentityHasher uses a random key, so hashes only correlate within this process.
func NewEphemeralIdentityHasher() *IdentityHasher {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	return NewIdentityHasher(secret)
}

// Hash is the hex HMAC of the normalised identity.
func (h *IdentityHasher) Hash(identity string) string {
	m := hmac.New(sha256.New, h.key)
	m.Write([]byte(identity))
	return hex.EncodeToString(m.Sum(nil))
}

// New builds an event for identity at the given time, stored in UTC.
func (h *IdentityHasher) New(t Type, identity string, at time.Time, attrs map[string]string) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         t,
		IdentityHash: h.Hash(identity),
		OccurredAt:   at.UTC(),
		Attributes:   attrs,
	}
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ev Event)
}

// Sink persists a batch of events somewhere durable.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []Event) error
	Close() error
}

// Noop discards everything.
type Noop struct{}

func (Noop) Publish(Event) {}
