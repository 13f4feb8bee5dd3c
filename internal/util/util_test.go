package util

import (
	"bytes"
	"errors"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNumericCode(t *testing.T) {
	for _, length := range []int{4, 6, 8} {
		code, err := NumericCode(length)
		if err != nil {
			t.Fatalf("NumericCode(%d): %v", length, err)
		}
		if len(code) != length {
			t.Fatalf("len = %d, want %d", len(code), length)
		}
		for _, c := range code {
			if c < '0' || c > '9' {
				t.Fatalf("non-digit %q in %q", c, code)
			}
		}
	}
}

func TestNumericCodeCoversAllDigits(t *testing.T) {
	seen := map[rune]bool{}
	for i := 0; i < 200 && len(seen) < 10; i++ {
		code, err := NumericCode(6)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range code {
			seen[c] = true
		}
	}
	if len(seen) != 10 {
		t.Fatalf("saw %d distinct digits, want 10", len(seen))
	}
}

func TestNumericCodeErrors(t *testing.T) {
	if _, err := NumericCode(0); !errors.Is(err, ErrInvalidCodeLength) {
		t.Fatalf("err = %v, want ErrInvalidCodeLength", err)
	}
	if _, err := NumericCodeFrom(bytes.NewReader(nil), 6); err == nil {
		t.Fatal("expected error from exhausted entropy source")
	}
}

func TestMaskEmail(t *testing.T) {
	tests := map[string]string{
		"alice@example.com": "a***@example.com",
		"b@x.io":            "b***@x.io",
		"no-at-sign":        "***",
		"@x.com":            "***",
		"":                  "",
	}
	for in, want := range tests {
		if got := MaskEmail(in); got != want {
			t.Errorf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}


func TestLogLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		" error ": zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := logLevel(in); got != want {
			t.Errorf("logLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerConfig(t *testing.T) {
	prod := loggerConfig("production", "info", "json")
	if prod.Encoding != "json" || prod.Sampling == nil || !prod.DisableStacktrace {
		t.Fatalf("production config: %+v", prod)
	}
	if prod.EncoderConfig.TimeKey != "timestamp" {
		t.Fatalf("time key = %q", prod.EncoderConfig.TimeKey)
	}

	dev := loggerConfig("development", "debug", "console")
	if dev.Encoding != "console" || dev.Level.Level() != zapcore.DebugLevel {
		t.Fatalf("development config: encoding %q level %v", dev.Encoding, dev.Level.Level())
	}
}
