package model

import (
	"testing"
	"time"
)

func TestNormalizeIdentity(t *testing.T) {
	tests := map[string]string{
		"  Alice@Example.COM ": "alice@example.com",
		"bob@x.io":             "bob@x.io",
		"":                     "",
	}
	for in, want := range tests {
		if got := NormalizeIdentity(in); got != want {
			t.Errorf("NormalizeIdentity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExpiredAtBoundary(t *testing.T) {
	created := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := NewOTPRecord("a@x.com", "h", created)
	ttl := 5 * time.Minute

	if rec.ExpiredAt(created.Add(ttl-time.Millisecond), ttl) {
		t.Fatal("record expired before ttl")
	}
	if rec.ExpiredAt(created.Add(ttl), ttl) {
		t.Fatal("record expired exactly at ttl")
	}
	if !rec.ExpiredAt(created.Add(ttl+time.Millisecond), ttl) {
		t.Fatal("record not expired after ttl")
	}
}

func TestLockedAndSameIssuance(t *testing.T) {
	rec := NewOTPRecord("a@x.com", "h1", time.Now())
	rec.FailedAttempts = 2
	if rec.Locked(3) {
		t.Fatal("locked below cap")
	}
	rec.FailedAttempts = 3
	if !rec.Locked(3) {
		t.Fatal("not locked at cap")
	}

	if !rec.SameIssuance(&OTPRecord{Identity: "a@x.com", CodeHash: "h1", Verified: true}) {
		t.Fatal("same hash should be the same issuance")
	}
	if rec.SameIssuance(&OTPRecord{Identity: "a@x.com", CodeHash: "h2"}) {
		t.Fatal("re-issued record reported as same issuance")
	}
	if rec.SameIssuance(nil) {
		t.Fatal("nil reported as same issuance")
	}
}
