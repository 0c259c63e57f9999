package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("transport: invalid security mode")
	ErrTLSRequired             = errors.New("transport: tls required")
	ErrMTLSRequired            = errors.New("transport: mtls required")
	ErrTLSCertFileRequired     = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("transport: tls key file required")
	ErrTLSCAFileRequired       = errors.New("transport: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("transport: insecure skip verify not allowed")
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig carries file-based TLS material for one binding.
type TLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
}

// Security pairs the deployment mode with the TLS material it governs.
type Security struct {
	Mode SecurityMode `toml:"mode"`
	TLS  TLSConfig    `toml:"tls"`
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// ValidateClient checks the settings of a binding that dials out.
// Production requires mutual TLS with verification.
func (s Security) ValidateClient() error {
	mode := NormalizeSecurityMode(s.Mode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, s.Mode)
	}

	if mode == SecurityModeProduction {
		if !s.TLS.Enabled {
			return ErrTLSRequired
		}
		if !s.TLS.Mutual {
			return ErrMTLSRequired
		}
		if s.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if s.TLS.Mutual && !s.TLS.Enabled {
		return ErrTLSRequired
	}
	if s.TLS.Enabled && strings.TrimSpace(s.TLS.CAFile) == "" && !s.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if s.TLS.Mutual {
		if strings.TrimSpace(s.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(s.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

// ValidateServer checks the settings of a binding that listens.
func (s Security) ValidateServer() error {
	mode := NormalizeSecurityMode(s.Mode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, s.Mode)
	}

	if mode == SecurityModeProduction {
		if !s.TLS.Enabled {
			return ErrTLSRequired
		}
		if !s.TLS.Mutual {
			return ErrMTLSRequired
		}
	}
	if s.TLS.Mutual && !s.TLS.Enabled {
		return ErrTLSRequired
	}
	if s.TLS.Enabled {
		if strings.TrimSpace(s.TLS.CertFile) == "" {
			return ErrTLSCertFileRequired
		}
		if strings.TrimSpace(s.TLS.KeyFile) == "" {
			return ErrTLSKeyFileRequired
		}
	}
	if s.TLS.Mutual && strings.TrimSpace(s.TLS.CAFile) == "" {
		return ErrTLSCAFileRequired
	}
	return nil
}

// ClientTLS builds the dialing side config, or nil when TLS is disabled.
func (s Security) ClientTLS() (*tls.Config, error) {
	if err := s.ValidateClient(); err != nil {
		return nil, err
	}
	if !s.TLS.Enabled {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         s.TLS.ServerName,
		InsecureSkipVerify: s.TLS.InsecureSkipVerify,
	}
	if s.TLS.CAFile != "" {
		pool, err := loadPool(s.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if s.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(s.TLS.CertFile, s.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerTLS builds the listening side config, or nil when TLS is disabled.
func (s Security) ServerTLS() (*tls.Config, error) {
	if err := s.ValidateServer(); err != nil {
		return nil, err
	}
	if !s.TLS.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.TLS.CertFile, s.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if s.TLS.Mutual || NormalizeSecurityMode(s.Mode) == SecurityModeProduction {
		pool, err := loadPool(s.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("transport: parse tls ca bundle: %s", path)
	}
	return pool, nil
}

// PeerIdentity extracts an endpoint identity from a verified peer
// certificate using CN, then URI, then DNS name.
func PeerIdentity(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		if v := strings.TrimSpace(cert.DNSNames[0]); v != "" {
			return v
		}
	}
	return ""
}
