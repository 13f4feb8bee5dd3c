package notify

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestOTPMessage(t *testing.T) {
	msg := OTPMessage("Your OTP for Verification", "042917", 5*time.Minute)

	if msg.Subject != "Your OTP for Verification" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	want := "Your OTP is: 042917\nThis OTP will expire in 5 minutes.\nPlease do not share this OTP with anyone."
	if msg.Body != want {
		t.Fatalf("unexpected body:\n%s", msg.Body)
	}

	if got := OTPMessage("s", "1", time.Minute).Body; !strings.Contains(got, "expire in 1 minute.") {
		t.Fatalf("expected singular unit, got %q", got)
	}
	if got := OTPMessage("s", "1", 90*time.Second).Body; !strings.Contains(got, "expire in 2 minutes.") {
		t.Fatalf("expected minutes to round up, got %q", got)
	}
}

func TestLogMailer(t *testing.T) {
	m := NewLogMailer(zap.NewNop())

	if err := m.Deliver(context.Background(), "user@example.com", Message{Subject: "s"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if err := m.Deliver(context.Background(), "", Message{}); !errors.Is(err, ErrNoRecipient) {
		t.Fatalf("expected ErrNoRecipient, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Deliver(ctx, "user@example.com", Message{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewSMTPMailerRequiresHostPort(t *testing.T) {
	if _, err := NewSMTPMailer(SMTPConfig{Host: "localhost"}, zap.NewNop()); !errors.Is(err, ErrSMTPHostPortRequired) {
		t.Fatalf("expected ErrSMTPHostPortRequired, got %v", err)
	}
}

// fakeSMTP is a minimal plaintext SMTP server that records one transaction.
type fakeSMTP struct {
	ln       net.Listener
	rejectTo bool
	silent   bool

	mu   sync.Mutex
	from string
	rcpt string
	data string
}

func startFakeSMTP(t *testing.T) *fakeSMTP {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeSMTP{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *fakeSMTP) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTP) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTP) handle(conn net.Conn) {
	defer conn.Close()
	if s.silent {
		// Never greet; the client must give up on its own deadline.
		_, _ = bufio.NewReader(conn).ReadString('\n')
		return
	}

	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }
	reply("220 fake.local ESMTP")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(cmd)
		switch {
		case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
			reply("250 fake.local")
		case strings.HasPrefix(upper, "MAIL FROM:"):
			s.mu.Lock()
			s.from = cmd[len("MAIL FROM:"):]
			s.mu.Unlock()
			reply("250 OK")
		case strings.HasPrefix(upper, "RCPT TO:"):
			if s.rejectTo {
				reply("550 mailbox unavailable")
				continue
			}
			s.mu.Lock()
			s.rcpt = cmd[len("RCPT TO:"):]
			s.mu.Unlock()
			reply("250 OK")
		case upper == "DATA":
			reply("354 end with <CRLF>.<CRLF>")
			var sb strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				sb.WriteString(l)
			}
			s.mu.Lock()
			s.data = sb.String()
			s.mu.Unlock()
			reply("250 queued")
		case upper == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 OK")
		}
	}
}

func (s *fakeSMTP) snapshot() (string, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.from, s.rcpt, s.data
}

func TestSMTPMailerDeliver(t *testing.T) {
	srv := startFakeSMTP(t)
	m, err := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), From: "noreply@example.com"}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewSMTPMailer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := OTPMessage("Your OTP for Verification", "123456", 5*time.Minute)
	if err := m.Deliver(ctx, "user@example.com", msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	from, rcpt, data := srv.snapshot()
	if !strings.Contains(from, "noreply@example.com") {
		t.Fatalf("unexpected MAIL FROM %q", from)
	}
	if !strings.Contains(rcpt, "user@example.com") {
		t.Fatalf("unexpected RCPT TO %q", rcpt)
	}
	for _, want := range []string{
		"Subject: Your OTP for Verification",
		"Content-Type: text/plain; charset=UTF-8",
		"Your OTP is: 123456\r\n",
		"This OTP will expire in 5 minutes.",
	} {
		if !strings.Contains(data, want) {
			t.Fatalf("message missing %q:\n%s", want, data)
		}
	}
}

func TestSMTPMailerRecipientRejected(t *testing.T) {
	srv := startFakeSMTP(t)
	srv.rejectTo = true
	m, _ := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), From: "noreply@example.com"}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Deliver(ctx, "nobody@example.com", Message{Subject: "s", Body: "b"})
	if err == nil || !strings.Contains(err.Error(), "rcpt to") {
		t.Fatalf("expected rcpt error, got %v", err)
	}
}

func TestSMTPMailerHonoursDeadline(t *testing.T) {
	srv := startFakeSMTP(t)
	srv.silent = true
	m, _ := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: srv.port()}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := m.Deliver(ctx, "user@example.com", Message{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("deadline not honoured, took %s", elapsed)
	}
}

func TestSMTPMailerDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	m, _ := NewSMTPMailer(SMTPConfig{Host: "127.0.0.1", Port: port}, zap.NewNop())
	err = m.Deliver(context.Background(), "user@example.com", Message{})
	if err == nil || !strings.Contains(err.Error(), "dial") {
		t.Fatalf("expected dial error for port %s, got %v", strconv.Itoa(port), err)
	}
}
