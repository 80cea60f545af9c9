// Package certs provides TLS material for the HTTP API
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/foxzi/herald/internal/config"
)

// Source serves certificates from PEM files or from Let's Encrypt
type Source struct {
	tlsConfig *tls.Config
	manager   *autocert.Manager
	domains   []string
}

// New returns the certificate source for cfg, nil when TLS is not configured
func New(cfg config.TLSConfig) (*Source, error) {
	switch {
	case cfg.ACME.Enabled:
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Email:      cfg.ACME.Email,
			HostPolicy: autocert.HostWhitelist(cfg.ACME.Domains...),
			Cache:      autocert.DirCache(cfg.ACME.CacheDir),
		}
		return &Source{
			tlsConfig: &tls.Config{
				GetCertificate: m.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
			manager: m,
			domains: cfg.ACME.Domains,
		}, nil

	case cfg.CertFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		return &Source{
			tlsConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			},
		}, nil
	}

	return nil, nil
}

// TLSConfig returns the server TLS configuration
func (s *Source) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// ACME reports whether certificates come from Let's Encrypt
func (s *Source) ACME() bool {
	return s.manager != nil
}

// Domains returns the ACME domains
func (s *Source) Domains() []string {
	return s.domains
}

// ChallengeHandler answers HTTP-01 challenges and redirects everything
// else to HTTPS. It is nil for file certificates.
func (s *Source) ChallengeHandler() http.Handler {
	if s.manager == nil {
		return nil
	}
	return s.manager.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := "https://" + r.Host + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	}))
}

// Info describes a certificate file
type Info struct {
	Subject  string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
	DNSNames []string
}

// Inspect reads the first certificate of a PEM file
func Inspect(certFile string) (*Info, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Info{
		Subject:  cert.Subject.CommonName,
		Issuer:   cert.Issuer.CommonName,
		NotAfter: cert.NotAfter,
		DaysLeft: int(time.Until(cert.NotAfter).Hours() / 24),
		DNSNames: cert.DNSNames,
	}, nil
}
