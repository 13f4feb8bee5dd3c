package tls

import (
	"crypto/x509"
	"errors"
	"testing"

	"go.uber.org/zap"

	"otp-service/internal/config"
)

func TestDevCertGeneratorReusesValidCert(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir, zap.NewNop())

	first, err := gen.GenerateCert([]string{"localhost", "127.0.0.1"})
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "localhost" || len(leaf.IPAddresses) != 1 {
		t.Fatalf("unexpected SANs %v %v", leaf.DNSNames, leaf.IPAddresses)
	}

	second, err := gen.GenerateCert([]string{"localhost"})
	if err != nil {
		t.Fatalf("GenerateCert again: %v", err)
	}
	if string(first.Certificate[0]) != string(second.Certificate[0]) {
		t.Fatal("a valid certificate on disk should be reused")
	}
}

func TestManagerFallsBackToDevCertOutsideProduction(t *testing.T) {
	cfg := &config.Config{Environment: "development"}
	cfg.Server.EnableTLS = true
	cfg.Server.AutoCertDir = t.TempDir()

	m := NewTLSManager(cfg, zap.NewNop())
	cert, err := m.GetCertificate(nil)
	if err != nil || cert == nil {
		t.Fatalf("GetCertificate: %v", err)
	}

	again, _ := m.GetCertificate(nil)
	if again != cert {
		t.Fatal("development certificate should be generated once")
	}
}

func TestManagerRefusesSelfSignedInProduction(t *testing.T) {
	cfg := &config.Config{Environment: "production"}
	cfg.Server.EnableTLS = true
	cfg.Server.AutoCertDir = t.TempDir()
	cfg.Server.CertFile = "/does/not/exist.pem"
	cfg.Server.KeyFile = "/does/not/exist.key"

	m := NewTLSManager(cfg, zap.NewNop())
	if _, err := m.GetCertificate(nil); !errors.Is(err, ErrNoCertificate) {
		t.Fatalf("expected ErrNoCertificate, got %v", err)
	}
}

func TestManagerLoadsCertFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewDevCertGenerator(dir, zap.NewNop()).GenerateCert([]string{"localhost"}); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{Environment: "production"}
	cfg.Server.EnableTLS = true
	cfg.Server.CertFile = dir + "/dev-cert.pem"
	cfg.Server.KeyFile = dir + "/dev-key.pem"

	m := NewTLSManager(cfg, zap.NewNop())
	if cert, err := m.GetCertificate(nil); err != nil || cert == nil {
		t.Fatalf("GetCertificate: %v", err)
	}
}
