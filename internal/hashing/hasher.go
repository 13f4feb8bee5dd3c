package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"otp-service/internal/config"

	"golang.org/x/crypto/argon2"
)

const algorithm = "argon2id"

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
	ErrNoPepper            = errors.New("at least one pepper is required")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Pepper is a server-side secret mixed into every hash. Version is stored with the hash.
type Pepper struct {
	Version int
	Value   []byte
}

// Hasher produces salted, peppered argon2id hashes of OTP codes bound to an identity.
//
// Encoded form: argon2id$v=19$m=<memory>,t=<iterations>,p=<parallelism>$<pepper version>$<salt>$<hash>
// Verification reads the parameters back from the encoded string, so cost changes and pepper
// rotation do not invalidate codes already in flight.
type Hasher struct {
	params        Argon2Params
	currentPepper Pepper
	oldPeppers    map[int]Pepper
	mu            sync.RWMutex
}

// ParamsFromConfig maps the hashing section of the configuration onto Argon2Params.
func ParamsFromConfig(cfg config.HashingConfig) Argon2Params {
	return Argon2Params{
		Memory:      cfg.Argon2Memory,
		Iterations:  cfg.Argon2Time,
		Parallelism: cfg.Argon2Threads,
		SaltLength:  uint32(cfg.SaltLength),
		KeyLength:   cfg.Argon2KeyLen,
	}
}

// NewHasher uses peppers[0] for new hashes and keeps the rest for verification only.
func NewHasher(params Argon2Params, peppers []Pepper) (*Hasher, error) {
	if len(peppers) == 0 {
		return nil, ErrNoPepper
	}
	if params.SaltLength == 0 {
		params.SaltLength = 16
	}
	if params.KeyLength == 0 {
		params.KeyLength = 32
	}

	h := &Hasher{
		params:        params,
		currentPepper: peppers[0],
		oldPeppers:    make(map[int]Pepper, len(peppers)-1),
	}
	for _, p := range peppers[1:] {
		h.oldPeppers[p.Version] = p
	}
	return h, nil
}

// Rotate makes p the pepper for new hashes. The previous pepper stays valid for verification.
func (h *Hasher) Rotate(p Pepper) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.oldPeppers[h.currentPepper.Version] = h.currentPepper
	delete(h.oldPeppers, p.Version)
	h.currentPepper = p
}

// CurrentPepperVersion is the version stamped onto new hashes.
func (h *Hasher) CurrentPepperVersion() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.currentPepper.Version
}

// HashOTP returns the encoded hash of code for identity with a fresh random salt.
func (h *Hasher) HashOTP(identity, code string) (string, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		material(identity, code, pepper.Value),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf("%s$v=%d$m=%d,t=%d,p=%d$%d$%s$%s",
		algorithm,
		argon2.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		pepper.Version,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyOTP reports whether code matches encoded for identity. The comparison is constant-time.
func (h *Hasher) VerifyOTP(identity, code, encoded string) (bool, error) {
	d, err := decode(encoded)
	if err != nil {
		return false, err
	}

	pepper, err := h.getPepper(d.pepperVersion)
	if err != nil {
		return false, err
	}

	computed := argon2.IDKey(
		material(identity, code, pepper),
		d.salt,
		d.iterations,
		d.memory,
		d.parallelism,
		uint32(len(d.key)),
	)

	return subtle.ConstantTimeCompare(computed, d.key) == 1, nil
}

func (h *Hasher) getPepper(version int) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}
	if p, ok := h.oldPeppers[version]; ok {
		return p.Value, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownPepper, version)
}

// material binds the code to its identity and purpose so a hash cannot be replayed elsewhere.
func material(identity, code string, pepper []byte) []byte {
	buf := make([]byte, 0, len(code)+len(identity)+len(pepper)+8)
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, identity...)
	buf = append(buf, 0)
	buf = append(buf, pepper...)
	buf = append(buf, 0)
	buf = append(buf, "otp"...)
	return buf
}

type decoded struct {
	memory        uint32
	iterations    uint32
	parallelism   uint8
	pepperVersion int
	salt          []byte
	key           []byte
}

func decode(encoded string) (*decoded, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != algorithm {
		return nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, ErrIncompatibleVersion
	}

	d := &decoded{}
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &d.memory, &d.iterations, &d.parallelism); err != nil {
		return nil, ErrInvalidHash
	}

	pv, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, ErrInvalidHash
	}
	d.pepperVersion = pv

	if d.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, ErrInvalidHash
	}
	if d.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(d.key) == 0 {
		return nil, ErrInvalidHash
	}
	return d, nil
}

// ParsePeppers reads "version:secret[,version:secret...]". The first entry is the current pepper.
func ParsePeppers(s string) ([]Pepper, error) {
	var peppers []Pepper
	seen := map[int]bool{}

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		version, secret, ok := strings.Cut(entry, ":")
		if !ok || secret == "" {
			return nil, fmt.Errorf("invalid pepper entry %q", entry)
		}
		v, err := strconv.Atoi(version)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("invalid pepper version %q", version)
		}
		if seen[v] {
			return nil, fmt.Errorf("duplicate pepper version %d", v)
		}
		seen[v] = true
		peppers = append(peppers, Pepper{Version: v, Value: []byte(secret)})
	}

	if len(peppers) == 0 {
		return nil, ErrNoPepper
	}
	return peppers, nil
}
