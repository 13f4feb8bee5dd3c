package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

var limitedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTooManyRequests)
})

func request(remote string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/send-otp", nil)
	req.RemoteAddr = remote
	return req
}

func TestByIP(t *testing.T) {
	h := ByIP("test", 2, time.Minute, limitedHandler)(okHandler)

	for i, want := range []int{200, 200, 429} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, request("10.0.0.1:1234"))
		if rec.Code != want {
			t.Fatalf("request %d: got %d want %d", i, rec.Code, want)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request("10.0.0.2:1234"))
	if rec.Code != http.StatusOK {
		t.Fatalf("other IP should have its own budget, got %d", rec.Code)
	}
}

type countingLimiter struct {
	mu     sync.Mutex
	limit  int
	counts map[string]int
	err    error
}

func (l *countingLimiter) Allow(_ context.Context, key string) (bool, int, error) {
	if l.err != nil {
		return false, 0, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	if l.counts[key] >= l.limit {
		return false, l.counts[key], nil
	}
	l.counts[key]++
	return true, l.counts[key], nil
}

func (l *countingLimiter) Limit() int            { return l.limit }
func (l *countingLimiter) Window() time.Duration { return time.Minute }

func TestShared(t *testing.T) {
	limiter := &countingLimiter{limit: 1}
	h := Shared("send_otp", limiter, limitedHandler, zap.NewNop())(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, request("192.0.2.1:5000"))
	if rec.Code != http.StatusOK || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("first request: code %d remaining %q", rec.Code, rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, request("192.0.2.1:6000"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request from same IP: got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("unexpected Retry-After %q", rec.Header().Get("Retry-After"))
	}
	if _, ok := limiter.counts["send_otp:192.0.2.1"]; !ok {
		t.Fatalf("key must not include the port: %v", limiter.counts)
	}
}

func TestSharedAdmitsOnLimiterError(t *testing.T) {
	limiter := &countingLimiter{limit: 1, err: errors.New("redis down")}
	h := Shared("send_otp", limiter, limitedHandler, zap.NewNop())(okHandler)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, request("192.0.2.1:5000"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, rec.Code)
		}
	}
}
