package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"otp-service/internal/config"
)

var ErrNoCertificate = errors.New("no TLS certificate available")

// TLSManager picks the server certificate: ACME first, then files on disk, then (outside
// production only) a self-signed development certificate.
type TLSManager struct {
	server     config.ServerConfig
	production bool
	autoCert   *autocert.Manager
	logger     *zap.Logger

	fileOnce sync.Once
	fileCert *tls.Certificate
	fileErr  error

	devOnce sync.Once
	devCert *tls.Certificate
	devErr  error
}

func NewTLSManager(cfg *config.Config, logger *zap.Logger) *TLSManager {
	m := &TLSManager{
		server:     cfg.Server,
		production: cfg.IsProduction(),
		logger:     logger,
	}

	if cfg.Server.EnableTLS && cfg.Server.AutoCert {
		m.setupAutoCert()
	}
	return m
}

func (m *TLSManager) setupAutoCert() {
	if m.server.Domain == "" {
		m.logger.Warn("AutoCert requested without TLS_DOMAIN, skipping")
		return
	}
	if err := os.MkdirAll(m.server.AutoCertDir, 0o700); err != nil {
		m.logger.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.server.Domain),
		Cache:      autocert.DirCache(m.server.AutoCertDir),
		Email:      m.server.Email,
	}

	m.logger.Info("AutoCert configured",
		zap.String("domain", m.server.Domain),
		zap.String("cache_dir", m.server.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		m.logger.Warn("AutoCert certificate unavailable, falling back", zap.Error(err))
	}

	if m.server.CertFile != "" && m.server.KeyFile != "" {
		m.fileOnce.Do(func() {
			cert, err := tls.LoadX509KeyPair(m.server.CertFile, m.server.KeyFile)
			if err != nil {
				m.fileErr = fmt.Errorf("failed to load TLS key pair: %w", err)
				return
			}
			m.fileCert = &cert
		})
		if m.fileErr == nil {
			return m.fileCert, nil
		}
		m.logger.Warn("File certificate unavailable", zap.Error(m.fileErr))
	}

	if m.production {
		return nil, ErrNoCertificate
	}
	return m.developmentCert()
}

func (m *TLSManager) developmentCert() (*tls.Certificate, error) {
	m.devOnce.Do(func() {
		hosts := []string{"localhost", "127.0.0.1", "::1"}
		if m.server.Domain != "" {
			hosts = append(hosts, m.server.Domain)
		}
		cert, err := NewDevCertGenerator(m.server.AutoCertDir, m.logger).GenerateCert(hosts)
		if err != nil {
			m.devErr = fmt.Errorf("failed to generate self-signed certificate: %w", err)
			return
		}
		m.devCert = &cert
	})
	return m.devCert, m.devErr
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1", "acme-tls/1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// ChallengeHandler serves ACME http-01 challenges and passes everything else to fallback.
// Without AutoCert it returns fallback unchanged.
func (m *TLSManager) ChallengeHandler(fallback http.Handler) http.Handler {
	if m.autoCert == nil {
		return fallback
	}
	return m.autoCert.HTTPHandler(fallback)
}
