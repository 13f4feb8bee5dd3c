package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/util"
)

var ErrSMTPHostPortRequired = errors.New("smtp host and port are required")

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// InsecureSkipVerify disables certificate checks after STARTTLS, for local catch-all servers.
	InsecureSkipVerify bool
}

// SMTPMailer sends one message per connection. The caller's deadline bounds the whole
// conversation, from dial to the final DATA acknowledgement.
type SMTPMailer struct {
	cfg    SMTPConfig
	addr   string
	logger *zap.Logger
}

func NewSMTPMailer(cfg SMTPConfig, logger *zap.Logger) (*SMTPMailer, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, ErrSMTPHostPortRequired
	}
	return &SMTPMailer{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger: logger,
	}, nil
}

func (m *SMTPMailer) Deliver(ctx context.Context, to string, msg Message) error {
	if to == "" {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return fmt.Errorf("failed to dial smtp server: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// Unblock any in-flight read or write once the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return m.wrap(ctx, "greeting", err)
	}
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return m.wrap(ctx, "hello", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName:         m.cfg.Host,
			InsecureSkipVerify: m.cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return m.wrap(ctx, "starttls", err)
		}
	}

	if m.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
			if err := c.Auth(auth); err != nil {
				return m.wrap(ctx, "auth", err)
			}
		}
	}

	if err := c.Mail(m.cfg.From); err != nil {
		return m.wrap(ctx, "mail from", err)
	}
	if err := c.Rcpt(to); err != nil {
		return m.wrap(ctx, "rcpt to", err)
	}

	w, err := c.Data()
	if err != nil {
		return m.wrap(ctx, "data", err)
	}
	if _, err := w.Write(buildMessage(m.cfg.From, to, msg)); err != nil {
		return m.wrap(ctx, "write body", err)
	}
	if err := w.Close(); err != nil {
		return m.wrap(ctx, "end data", err)
	}

	if err := c.Quit(); err != nil {
		m.logger.Debug("smtp quit failed after successful send", zap.Error(err))
	}

	m.logger.Info("OTP email handed to SMTP server", util.Identity(to))
	return nil
}

// wrap prefers the context error so callers can tell a deadline from a server rejection.
func (m *SMTPMailer) wrap(ctx context.Context, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("smtp %s: %w", stage, ctxErr)
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return fmt.Errorf("smtp %s: %w", stage, context.DeadlineExceeded)
	}
	return fmt.Errorf("smtp %s: %w", stage, err)
}

func buildMessage(from, to string, msg Message) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	fmt.Fprintf(&sb, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	fmt.Fprintf(&sb, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	sb.WriteString("\r\n")
	return []byte(sb.String())
}
