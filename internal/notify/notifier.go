package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrNoRecipient = errors.New("no recipient provided")

// Message is a plain-text notification.
type Message struct {
	Subject string
	Body    string
}

// Notifier delivers a message to one address. A nil error means the transport accepted it.
type Notifier interface {
	Deliver(ctx context.Context, to string, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, to string, msg Message) error

func (f NotifierFunc) Deliver(ctx context.Context, to string, msg Message) error {
	return f(ctx, to, msg)
}

// OTPMessage renders the passcode email.
func OTPMessage(subject, code string, ttl time.Duration) Message {
	minutes := int(math.Ceil(ttl.Minutes()))
	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}
	return Message{
		Subject: subject,
		Body: fmt.Sprintf("Your OTP is: %s\nThis OTP will expire in %d %s.\nPlease do not share this OTP with anyone.",
			code, minutes, unit),
	}
}
