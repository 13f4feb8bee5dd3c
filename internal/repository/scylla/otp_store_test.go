package scylla

import (
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/repository/storetest"
)

func TestTokenRangesCoverRing(t *testing.T) {
	for _, n := range []int{1, 2, 3, 16, 100} {
		ranges := tokenRanges(n)
		if len(ranges) != n {
			t.Fatalf("n=%d: got %d ranges", n, len(ranges))
		}
		if ranges[0][0] != math.MinInt64 {
			t.Fatalf("n=%d: first range starts at %d", n, ranges[0][0])
		}
		if ranges[n-1][1] != math.MaxInt64 {
			t.Fatalf("n=%d: last range ends at %d", n, ranges[n-1][1])
		}
		for i := 1; i < n; i++ {
			if ranges[i][0] != ranges[i-1][1]+1 {
				t.Fatalf("n=%d: gap or overlap between range %d and %d", n, i-1, i)
			}
			if ranges[i][0] > ranges[i][1] {
				t.Fatalf("n=%d: range %d is empty", n, i)
			}
		}
	}
}

func TestTTLForNeverBelowOneSecond(t *testing.T) {
	s := NewOTPStore(nil, time.Hour, 1, zap.NewNop())
	if got := s.ttlFor(time.Now().Add(-2 * time.Hour)); got != 1 {
		t.Fatalf("ttl = %d, want 1", got)
	}
	if got := s.ttlFor(time.Now()); got < 3590 || got > 3600 {
		t.Fatalf("ttl = %d, want about 3600", got)
	}
}

// Plain writes carry client timestamps and can lose to ballot-timestamped LWT cells on the
// same row, so every statement that mutates otp_records must be conditional.
func TestMutationsAreLightweightTransactions(t *testing.T) {
	for name, stmt := range map[string]string{
		"insert":              insertRecord,
		"replace":             replaceRecord,
		"increment":           incrementAttempts,
		"mark verified":       markVerified,
		"delete":              deleteRecord,
		"delete if unchanged": deleteRecordIf,
	} {
		if !strings.Contains(stmt, " IF ") {
			t.Errorf("%s is not conditional: %s", name, stmt)
		}
	}
}

// The contract run needs a disposable keyspace in OTP_TEST_SCYLLA_HOSTS.
func TestOTPStoreContract(t *testing.T) {
	hosts := os.Getenv("OTP_TEST_SCYLLA_HOSTS")
	if hosts == "" {
		t.Skip("OTP_TEST_SCYLLA_HOSTS not set")
	}

	cfg := &config.Config{Scylla: config.ScyllaConfig{
		Hosts:       strings.Split(hosts, ","),
		Keyspace:    envOr("OTP_TEST_SCYLLA_KEYSPACE", "otp_test"),
		Consistency: "ONE",
		Timeout:     10 * time.Second,
		NumConns:    2,
	}}
	client, err := NewScyllaClient(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewScyllaClient: %v", err)
	}
	t.Cleanup(client.Close)

	storetest.Run(t, func(t *testing.T) model.OTPStore {
		if err := client.Query(`TRUNCATE otp_records`).Exec(); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return NewOTPStore(client, time.Hour, 4, zap.NewNop())
	})
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
