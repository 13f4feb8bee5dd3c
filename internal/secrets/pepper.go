package secrets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"otp-service/internal/config"
	"otp-service/internal/hashing"
	"otp-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrMissingPepper    = errors.New("no pepper configured")
)

// Decrypter is the slice of the KMS API the pepper provider needs.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// PepperProvider resolves hashing peppers either from plain configuration or from a
// KMS-encrypted blob holding the same "version:secret,..." list.
type PepperProvider struct {
	kmsClient Decrypter
	config    *config.Config
}

func NewPepperProvider(cfg *config.Config, kmsClient Decrypter) *PepperProvider {
	return &PepperProvider{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

// Peppers returns the peppers to hash with, current first.
func (p *PepperProvider) Peppers(ctx context.Context) ([]hashing.Pepper, error) {
	if p.config.KMS.Enabled {
		plaintext, err := p.decrypt(ctx, p.config.KMS.PepperCiphertext)
		if err != nil {
			return nil, err
		}
		peppers, err := hashing.ParsePeppers(plaintext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		util.Info("Loaded hashing peppers from KMS", zap.Int("current_version", peppers[0].Version), zap.Int("count", len(peppers)))
		return peppers, nil
	}

	if p.config.Hashing.Pepper != "" {
		return hashing.ParsePeppers(p.config.Hashing.Pepper)
	}

	if p.config.IsProduction() {
		return nil, ErrMissingPepper
	}

	// Development only: a fixed pepper keeps codes verifiable across restarts and instances.
	util.Warn("HASH_PEPPER not set, using development pepper")
	return []hashing.Pepper{{Version: 1, Value: []byte("development-pepper")}}, nil
}

func (p *PepperProvider) decrypt(ctx context.Context, ciphertext string) (string, error) {
	if p.kmsClient == nil {
		return "", fmt.Errorf("%w: kms client not configured", ErrDecryptionFailed)
	}

	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	result, err := p.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(result.Plaintext), nil
}
