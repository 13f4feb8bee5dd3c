package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"otp-service/internal/service"
	"otp-service/internal/util"
)

const maxBodyBytes = 4 << 10

// OTPEngine is the part of service.OTPService the handler drives.
type OTPEngine interface {
	RequestOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, code string) error
	Stats(ctx context.Context) (*service.Stats, error)
}

// OTPHandler handles HTTP requests for OTP operations
type OTPHandler struct {
	otpService OTPEngine
	validate   *validator.Validate
	codeLength int
	logger     *zap.Logger
}

func NewOTPHandler(otpService OTPEngine, codeLength int, logger *zap.Logger) *OTPHandler {
	if codeLength <= 0 {
		codeLength = 6
	}
	return &OTPHandler{
		otpService: otpService,
		validate:   validator.New(),
		codeLength: codeLength,
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type SendOTPRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type VerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	OTP   string `json:"otp" validate:"required,numeric"`
}

func (r *SendOTPRequest) trim()   { r.Email = strings.TrimSpace(r.Email) }
func (r *VerifyOTPRequest) trim() { r.Email = strings.TrimSpace(r.Email) }

func successResponse(data any, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(code, message string) Response {
	return Response{
		Success: false,
		Error:   code,
		Message: message,
	}
}

// SendOTP handles POST /send-otp
func (h *OTPHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req SendOTPRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}

	if err := h.otpService.RequestOTP(r.Context(), req.Email); err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "OTP sent successfully"))
	h.logger.Info("OTP sent via HTTP",
		util.Identity(req.Email),
		util.Duration("duration", time.Since(startTime)),
	)
}

// VerifyOTP handles POST /verify-otp
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req VerifyOTPRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, err)
		return
	}
	if err := h.validate.Var(req.OTP, fmt.Sprintf("len=%d", h.codeLength)); err != nil {
		h.respondWithError(w, fmt.Errorf("%w: otp must be %d digits", service.ErrValidation, h.codeLength))
		return
	}

	if err := h.otpService.VerifyOTP(r.Context(), req.Email, req.OTP); err != nil {
		h.respondWithError(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "OTP verified successfully"))
	h.logger.Info("OTP verified via HTTP",
		util.Identity(req.Email),
		util.Duration("duration", time.Since(startTime)),
	)
}

// GetStats handles GET /otp-stats
func (h *OTPHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.otpService.Stats(r.Context())
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "OTP stats retrieved successfully"))
}

func (h *OTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid request body", service.ErrValidation)
	}
	if t, ok := dst.(interface{ trim() }); ok {
		t.trim()
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s", service.ErrValidation, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return "a valid email address is required"
	case "numeric":
		return "otp must contain digits only"
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}

// Helper Methods

func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, data, h.logger)
}

func (h *OTPHandler) respondWithError(w http.ResponseWriter, err error) {
	statusCode, code, message := classify(err)
	if statusCode >= http.StatusInternalServerError {
		h.logger.Error("HTTP error response", util.ErrorField(err), util.Int("status_code", statusCode))
	} else {
		h.logger.Debug("HTTP error response", util.ErrorField(err), util.Int("status_code", statusCode))
	}
	h.respondWithJSON(w, statusCode, errorResponse(code, message))
}

// classify maps an engine error onto status, machine code and client-safe message.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, "validation_error", err.Error()
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "otp_not_found", service.ErrNotFound.Error()
	case errors.Is(err, service.ErrAlreadyUsed):
		return http.StatusConflict, "otp_already_used", service.ErrAlreadyUsed.Error()
	case errors.Is(err, service.ErrExpired):
		return http.StatusGone, "otp_expired", service.ErrExpired.Error()
	case errors.Is(err, service.ErrInvalidCode):
		return http.StatusBadRequest, "otp_invalid", service.ErrInvalidCode.Error()
	case errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusLocked, "otp_locked", "Too many failed attempts, request a new OTP"
	case errors.Is(err, service.ErrDeliveryFailed):
		return http.StatusBadGateway, "delivery_failed", "Failed to send OTP"
	case errors.Is(err, service.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable", "Service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal_error", "Internal server error"
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}
