// Package tls selects the server certificate: autocert in front of
// file-based certificates, with a generated self-signed pair as the
// development fallback.
package tls

import (
	"crypto/tls"
	"fmt"
	"os"

	"golang.org/x/crypto/acme/autocert"

	"passkey-service/internal/util"
)

type Manager struct {
	opts     *Options
	autoCert *autocert.Manager
}

type Options struct {
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
	Environment string
}

func NewManager(opts *Options) *Manager {
	m := &Manager{opts: opts}
	if opts.AutoCert {
		m.setupAutoCert()
	}
	return m
}

func (m *Manager) setupAutoCert() {
	if err := os.MkdirAll(m.opts.AutoCertDir, 0o700); err != nil {
		util.Warn("Could not create autocert cache directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.opts.Domain),
		Cache:      autocert.DirCache(m.opts.AutoCertDir),
		Email:      m.opts.Email,
	}

	util.Info("AutoCert configured",
		util.String("domain", m.opts.Domain),
		util.String("cache_dir", m.opts.AutoCertDir),
	)
}

// GetCertificate resolves a certificate for the handshake, preferring
// autocert, then the configured key pair, then a self-signed pair.
func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if m.opts.CertFile != "" && m.opts.KeyFile != "" {
		if cert, err := tls.LoadX509KeyPair(m.opts.CertFile, m.opts.KeyFile); err == nil {
			return &cert, nil
		}
	}

	if m.opts.Environment == "production" {
		return nil, fmt.Errorf("no certificate available for %q", hello.ServerName)
	}

	return m.selfSignedCert()
}

func (m *Manager) selfSignedCert() (*tls.Certificate, error) {
	hosts := []string{m.opts.Domain, "localhost", "127.0.0.1", "::1"}

	cert, err := generateDevCert(m.opts.AutoCertDir, hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}

	return &cert, nil
}

func (m *Manager) Config() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

// AutocertManager exposes the underlying manager so the HTTP listener
// can serve ACME http-01 challenges.
func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
