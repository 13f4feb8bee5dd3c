package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := FromViper(newViper())

	if cfg.OTP.CodeLength != 6 {
		t.Fatalf("code length = %d, want 6", cfg.OTP.CodeLength)
	}
	if cfg.OTP.TTL != 5*time.Minute {
		t.Fatalf("ttl = %s, want 5m", cfg.OTP.TTL)
	}
	if cfg.OTP.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", cfg.OTP.MaxAttempts)
	}
	if cfg.RateLimit.DefaultPerMinute != 10 || cfg.RateLimit.SendOTPPerMinute != 7 {
		t.Fatalf("rate limits = %d/%d, want 10/7", cfg.RateLimit.DefaultPerMinute, cfg.RateLimit.SendOTPPerMinute)
	}
	if cfg.Store.Backend != "redis" {
		t.Fatalf("backend = %q, want redis", cfg.Store.Backend)
	}
	if cfg.Mail.Subject != "Your OTP for Verification" {
		t.Fatalf("subject = %q", cfg.Mail.Subject)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("OTP_TTL", "90s")
	t.Setenv("STORE_BACKEND", "Postgres")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("SERVER_PORT", "9090")

	cfg := FromViper(newViper())

	if cfg.OTP.TTL != 90*time.Second {
		t.Fatalf("ttl = %s, want 90s", cfg.OTP.TTL)
	}
	if cfg.Store.Backend != "postgres" {
		t.Fatalf("backend = %q, want postgres", cfg.Store.Backend)
	}
	if got := strings.Join(cfg.Kafka.Brokers, "|"); got != "k1:9092|k2:9092" {
		t.Fatalf("brokers = %q", got)
	}
	if cfg.GetServerAddress() != "0.0.0.0:9090" {
		t.Fatalf("address = %q", cfg.GetServerAddress())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Auth.APIToken = "" }, wantErr: "API_TOKEN"},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "mongo" }, wantErr: "STORE_BACKEND"},
		{name: "zero ttl", mutate: func(c *Config) { c.OTP.TTL = 0 }, wantErr: "OTP_TTL"},
		{name: "no attempts", mutate: func(c *Config) { c.OTP.MaxAttempts = 0 }, wantErr: "OTP_MAX_ATTEMPTS"},
		{name: "short code", mutate: func(c *Config) { c.OTP.CodeLength = 3 }, wantErr: "OTP_CODE_LENGTH"},
		{name: "retention below ttl", mutate: func(c *Config) { c.Store.Retention = time.Minute }, wantErr: "STORE_RETENTION"},
		{name: "smtp without host", mutate: func(c *Config) { c.Mail.Driver = "smtp" }, wantErr: "SMTP_HOST"},
		{name: "kms without ciphertext", mutate: func(c *Config) { c.KMS.Enabled = true }, wantErr: "KMS_PEPPER_CIPHERTEXT"},
		{name: "production without pepper", mutate: func(c *Config) { c.Environment = "production" }, wantErr: "HASH_PEPPER"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromViper(newViper())
			cfg.Auth.APIToken = "secret"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
