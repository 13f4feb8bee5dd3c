package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"otp-service/internal/metrics"
	"otp-service/internal/ratelimit"
)

// HealthChecker reports per-dependency failures; an empty map means healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

type RouterConfig struct {
	ServiceName    string
	APIToken       string
	AllowedOrigins []string
	RequestTimeout time.Duration
	RequireHTTPS   bool

	RateLimitEnabled bool
	DefaultPerMinute int
	SendOTPPerMinute int
	// SendOTPLimiter, when set, replaces the in-process /send-otp limit with a shared one.
	SendOTPLimiter ratelimit.Allower
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg RouterConfig, otpHandler *OTPHandler, health HealthChecker, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	// Middleware stack
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(metrics.WithMetrics)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(cfg.RequestTimeout))

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", apiTokenHeader},
		MaxAge:         300,
	}))

	if cfg.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	limited := RateLimited(logger)
	if cfg.RateLimitEnabled && cfg.DefaultPerMinute > 0 {
		router.Use(ratelimit.ByIP("default", cfg.DefaultPerMinute, time.Minute, limited))
	}

	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Server is running"}, logger)
	})

	router.Get("/health", healthHandler(cfg.ServiceName, health, logger))
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(RequireAPIToken(cfg.APIToken, logger))

		r.With(sendOTPLimit(cfg, limited, logger)...).Post("/send-otp", otpHandler.SendOTP)
		r.Post("/verify-otp", otpHandler.VerifyOTP)
		r.Get("/otp-stats", otpHandler.GetStats)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse("not_found", "endpoint not found"), logger)
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse("method_not_allowed", "method not allowed"), logger)
	})

	return router
}

func sendOTPLimit(cfg RouterConfig, limited http.HandlerFunc, logger *zap.Logger) []func(http.Handler) http.Handler {
	if !cfg.RateLimitEnabled || cfg.SendOTPPerMinute <= 0 {
		return nil
	}
	if cfg.SendOTPLimiter != nil {
		return []func(http.Handler) http.Handler{ratelimit.Shared("send_otp", cfg.SendOTPLimiter, limited, logger)}
	}
	return []func(http.Handler) http.Handler{ratelimit.ByIP("send_otp", cfg.SendOTPPerMinute, time.Minute, limited)}
}

func healthHandler(serviceName string, health HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components := map[string]string{}
		status := http.StatusOK

		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()

			failures := health.HealthCheck(ctx)
			names := make([]string, 0, len(failures))
			for name := range failures {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				components[name] = failures[name].Error()
				logger.Warn("Health check failed", zap.String("component", name), zap.Error(failures[name]))
			}
			if len(failures) > 0 {
				status = http.StatusServiceUnavailable
			}
		}

		body := map[string]any{
			"status":  "healthy",
			"service": serviceName,
		}
		if status != http.StatusOK {
			body["status"] = "unhealthy"
			body["components"] = components
		}
		writeJSON(w, status, body, logger)
	}
}
