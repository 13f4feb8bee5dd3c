package service

import "errors"

// Each error kind the engine reports. Callers match with errors.Is.
var (
	ErrValidation         = errors.New("invalid input")
	ErrNotFound           = errors.New("no OTP found for this email")
	ErrExpired            = errors.New("OTP has expired")
	ErrAlreadyUsed        = errors.New("OTP has already been used")
	ErrTooManyAttempts    = errors.New("too many failed attempts")
	ErrInvalidCode        = errors.New("invalid OTP")
	ErrDeliveryFailed     = errors.New("failed to deliver OTP")
	ErrStorageUnavailable = errors.New("OTP storage unavailable")
)
