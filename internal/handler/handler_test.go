package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/service"
)

const testToken = "secret-token"

type stubEngine struct {
	requestErr error
	verifyErr  error
	stats      *service.Stats
	statsErr   error

	requested []string
	verified  [][2]string
}

func (e *stubEngine) RequestOTP(_ context.Context, email string) error {
	e.requested = append(e.requested, email)
	return e.requestErr
}

func (e *stubEngine) VerifyOTP(_ context.Context, email, code string) error {
	e.verified = append(e.verified, [2]string{email, code})
	return e.verifyErr
}

func (e *stubEngine) Stats(context.Context) (*service.Stats, error) {
	return e.stats, e.statsErr
}

type stubHealth map[string]error

func (h stubHealth) HealthCheck(context.Context) map[string]error { return h }

func newTestRouter(engine *stubEngine, health HealthChecker, cfg RouterConfig) http.Handler {
	if cfg.APIToken == "" {
		cfg.APIToken = testToken
	}
	cfg.ServiceName = "otp-service"
	return NewRouter(cfg, NewOTPHandler(engine, 6, zap.NewNop()), health, zap.NewNop())
}

func do(t *testing.T, h http.Handler, method, path, body, token string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(apiTokenHeader, token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestRootAndHealth(t *testing.T) {
	h := newTestRouter(&stubEngine{}, stubHealth{}, RouterConfig{})

	rec, _ := do(t, h, http.MethodGet, "/", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"message":"Server is running"`) {
		t.Fatalf("root: %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = do(t, h, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}

	unhealthy := newTestRouter(&stubEngine{}, stubHealth{"redis": errors.New("dial tcp: refused")}, RouterConfig{})
	rec, _ = do(t, unhealthy, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "redis") {
		t.Fatalf("unhealthy: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAuthGate(t *testing.T) {
	engine := &stubEngine{stats: &service.Stats{}}
	h := newTestRouter(engine, nil, RouterConfig{})

	for _, tc := range []struct {
		method, path, body string
	}{
		{http.MethodPost, "/send-otp", `{"email":"a@x.com"}`},
		{http.MethodPost, "/verify-otp", `{"email":"a@x.com","otp":"123456"}`},
		{http.MethodGet, "/otp-stats", ""},
	} {
		for _, token := range []string{"", "wrong", testToken + "x"} {
			rec, resp := do(t, h, tc.method, tc.path, tc.body, token)
			if rec.Code != http.StatusUnauthorized || resp.Error != "unauthorized" {
				t.Fatalf("%s %s with token %q: %d %+v", tc.method, tc.path, token, rec.Code, resp)
			}
		}
	}
	if len(engine.requested) != 0 || len(engine.verified) != 0 {
		t.Fatal("engine must not be reached without a valid token")
	}
}

func TestSendOTP(t *testing.T) {
	engine := &stubEngine{}
	h := newTestRouter(engine, nil, RouterConfig{})

	rec, resp := do(t, h, http.MethodPost, "/send-otp", `{"email":"User@Example.com"}`, testToken)
	if rec.Code != http.StatusOK || !resp.Success || resp.Message != "OTP sent successfully" {
		t.Fatalf("send: %d %+v", rec.Code, resp)
	}
	if len(engine.requested) != 1 || engine.requested[0] != "User@Example.com" {
		t.Fatalf("engine got %v", engine.requested)
	}
}

func TestSendOTPAcceptsOrdinaryAddresses(t *testing.T) {
	for _, email := range []string{
		"subscriptions@example.com",
		"ana@typescriptlang.org",
		"onload.team@example.com",
		"first.last+tag@sub.example.co.uk",
	} {
		engine := &stubEngine{}
		h := newTestRouter(engine, nil, RouterConfig{})

		rec, resp := do(t, h, http.MethodPost, "/send-otp", `{"email":"`+email+`"}`, testToken)
		if rec.Code != http.StatusOK || !resp.Success {
			t.Fatalf("%s: %d %+v", email, rec.Code, resp)
		}
		if len(engine.requested) != 1 || engine.requested[0] != email {
			t.Fatalf("%s: engine got %v", email, engine.requested)
		}
	}
}

func TestSurroundingWhitespaceIsTrimmed(t *testing.T) {
	engine := &stubEngine{}
	h := newTestRouter(engine, nil, RouterConfig{})

	rec, resp := do(t, h, http.MethodPost, "/send-otp", `{"email":"  a@x.com\t"}`, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d %+v", rec.Code, resp)
	}
	rec, resp = do(t, h, http.MethodPost, "/verify-otp", `{"email":" a@x.com ","otp":"123456"}`, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %+v", rec.Code, resp)
	}
	if engine.requested[0] != "a@x.com" || engine.verified[0][0] != "a@x.com" {
		t.Fatalf("engine got %v %v", engine.requested, engine.verified)
	}
}

func TestVerifyOTP(t *testing.T) {
	engine := &stubEngine{}
	h := newTestRouter(engine, nil, RouterConfig{})

	rec, resp := do(t, h, http.MethodPost, "/verify-otp", `{"email":"a@x.com","otp":"123456"}`, testToken)
	if rec.Code != http.StatusOK || resp.Message != "OTP verified successfully" {
		t.Fatalf("verify: %d %+v", rec.Code, resp)
	}
	if engine.verified[0] != [2]string{"a@x.com", "123456"} {
		t.Fatalf("engine got %v", engine.verified)
	}
}

func TestRequestValidation(t *testing.T) {
	engine := &stubEngine{}
	h := newTestRouter(engine, nil, RouterConfig{})

	for _, tc := range []struct {
		path, body string
	}{
		{"/send-otp", `not json`},
		{"/send-otp", `{}`},
		{"/send-otp", `{"email":"nope"}`},
		{"/verify-otp", `{"email":"a@x.com"}`},
		{"/verify-otp", `{"email":"a@x.com","otp":"12ab56"}`},
		{"/verify-otp", `{"email":"a@x.com","otp":"12345"}`},
		{"/send-otp", `{"email":"` + strings.Repeat("a", 8<<10) + `@x.com"}`},
	} {
		rec, resp := do(t, h, http.MethodPost, tc.path, tc.body, testToken)
		if rec.Code != http.StatusBadRequest || resp.Error != "validation_error" {
			t.Fatalf("%s %s: %d %+v", tc.path, tc.body[:min(len(tc.body), 40)], rec.Code, resp)
		}
	}
	if len(engine.requested) != 0 || len(engine.verified) != 0 {
		t.Fatal("invalid requests must not reach the engine")
	}
}

func TestErrorMapping(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrNotFound, http.StatusNotFound, "otp_not_found"},
		{service.ErrExpired, http.StatusGone, "otp_expired"},
		{service.ErrAlreadyUsed, http.StatusConflict, "otp_already_used"},
		{service.ErrTooManyAttempts, http.StatusLocked, "otp_locked"},
		{service.ErrInvalidCode, http.StatusBadRequest, "otp_invalid"},
		{fmt.Errorf("%w: a valid email address is required", service.ErrValidation), http.StatusBadRequest, "validation_error"},
		{fmt.Errorf("%w: redis: i/o timeout", service.ErrStorageUnavailable), http.StatusServiceUnavailable, "storage_unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	} {
		engine := &stubEngine{verifyErr: tc.err}
		h := newTestRouter(engine, nil, RouterConfig{})

		rec, resp := do(t, h, http.MethodPost, "/verify-otp", `{"email":"a@x.com","otp":"123456"}`, testToken)
		if rec.Code != tc.status || resp.Error != tc.code || resp.Success {
			t.Fatalf("%v: got %d %+v", tc.err, rec.Code, resp)
		}
		if strings.Contains(resp.Message, "redis") || strings.Contains(resp.Message, "boom") {
			t.Fatalf("internal detail leaked: %q", resp.Message)
		}
	}

	engine := &stubEngine{requestErr: fmt.Errorf("%w: smtp 554", service.ErrDeliveryFailed)}
	rec, resp := do(t, newTestRouter(engine, nil, RouterConfig{}), http.MethodPost, "/send-otp", `{"email":"a@x.com"}`, testToken)
	if rec.Code != http.StatusBadGateway || resp.Error != "delivery_failed" || strings.Contains(resp.Message, "554") {
		t.Fatalf("delivery failure: %d %+v", rec.Code, resp)
	}
}

func TestStats(t *testing.T) {
	engine := &stubEngine{stats: &service.Stats{TotalOTPs: 7, VerifiedOTPs: 3}}
	h := newTestRouter(engine, nil, RouterConfig{})

	rec, _ := do(t, h, http.MethodGet, "/otp-stats", "", testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: %d", rec.Code)
	}
	var body struct {
		Data service.Stats `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Data.TotalOTPs != 7 || body.Data.VerifiedOTPs != 3 {
		t.Fatalf("unexpected stats %+v", body.Data)
	}
	if !strings.Contains(rec.Body.String(), `"total_otps":7`) || !strings.Contains(rec.Body.String(), `"verified_otps":3`) {
		t.Fatalf("unexpected field names: %s", rec.Body.String())
	}
}

func TestSendOTPRateLimit(t *testing.T) {
	engine := &stubEngine{}
	h := newTestRouter(engine, nil, RouterConfig{
		RateLimitEnabled: true,
		DefaultPerMinute: 100,
		SendOTPPerMinute: 2,
	})

	for i := 0; i < 2; i++ {
		rec, _ := do(t, h, http.MethodPost, "/send-otp", `{"email":"a@x.com"}`, testToken)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i, rec.Code)
		}
	}
	rec, resp := do(t, h, http.MethodPost, "/send-otp", `{"email":"a@x.com"}`, testToken)
	if rec.Code != http.StatusTooManyRequests || resp.Error != "rate_limited" {
		t.Fatalf("third request: %d %+v", rec.Code, resp)
	}

	rec, _ = do(t, h, http.MethodPost, "/verify-otp", `{"email":"a@x.com","otp":"123456"}`, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify shares only the default budget, got %d", rec.Code)
	}
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, int, error) { return false, 1, nil }
func (denyAll) Limit() int                                        { return 1 }
func (denyAll) Window() time.Duration                             { return time.Minute }

func TestSendOTPUsesSharedLimiter(t *testing.T) {
	engine := &stubEngine{}
	h := newTestRouter(engine, nil, RouterConfig{
		RateLimitEnabled: true,
		SendOTPPerMinute: 7,
		SendOTPLimiter:   denyAll{},
	})

	rec, _ := do(t, h, http.MethodPost, "/send-otp", `{"email":"a@x.com"}`, testToken)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("shared limiter should reject, got %d", rec.Code)
	}
	if len(engine.requested) != 0 {
		t.Fatal("limited request reached the engine")
	}
}

func TestRequireHTTPS(t *testing.T) {
	h := newTestRouter(&stubEngine{}, nil, RouterConfig{RequireHTTPS: true})

	rec, _ := do(t, h, http.MethodGet, "/", "", "")
	if rec.Code != http.StatusUpgradeRequired {
		t.Fatalf("plain HTTP: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("forwarded HTTPS: %d", rec.Code)
	}
}

func TestNotFound(t *testing.T) {
	h := newTestRouter(&stubEngine{}, nil, RouterConfig{})
	rec, resp := do(t, h, http.MethodGet, "/nope", "", "")
	if rec.Code != http.StatusNotFound || resp.Error != "not_found" {
		t.Fatalf("got %d %+v", rec.Code, resp)
	}
}
