// Package tls builds the API server TLS configuration from files or an
// auto-generated self-signed certificate.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caFile   = "tls_ca.crt"
	certFile = "tls.crt"
	keyFile  = "tls.key"
)

// Settings is the [server.tls] section.
type Settings struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `toml:"key_file" mapstructure:"key_file"`
	// Dir holds tls.crt and tls.key when CertFile and KeyFile are unset.
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	// MinVersion is "1.2" or "1.3"; empty means 1.3.
	MinVersion string   `toml:"min_version" mapstructure:"min_version"`
	CommonName string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames   []string `toml:"dns_names" mapstructure:"dns_names"`
	ValidDays  int      `toml:"valid_days" mapstructure:"valid_days"`
}

var ErrNoCertificate = errors.New("tls: enabled but no certificate configured")

func parseVersion(v string) (uint16, error) {
	switch strings.ToLower(v) {
	case "", "default", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	}
	return 0, fmt.Errorf("tls: unsupported min_version %q", v)
}

// Validate checks s without touching the filesystem.
func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if _, err := parseVersion(s.MinVersion); err != nil {
		return err
	}
	if (s.CertFile == "") != (s.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	}
	if s.CertFile == "" && s.Dir == "" {
		return ErrNoCertificate
	}
	return nil
}

// Setup returns the server TLS config, or nil when s is disabled. With
// AutoGenerate a missing certificate in Dir is created first.
func Setup(s Settings) (*tls.Config, error) {
	if !s.Enabled {
		return nil, nil
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseVersion(s.MinVersion)

	cert, key := s.CertFile, s.KeyFile
	if cert == "" {
		cert, key = filepath.Join(s.Dir, certFile), filepath.Join(s.Dir, keyFile)
		if s.AutoGenerate && !exists(cert, key) {
			if err := generate(s); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	// load once up front so a bad pair fails at startup
	if _, err := tls.LoadX509KeyPair(cert, key); err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	return &tls.Config{
		GetCertificate: reloading(cert, key),
		MinVersion:     minVer,
	}, nil
}

// reloading reads the key pair on every handshake so rotated files are
// picked up without a restart.
func reloading(cert, key string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(s Settings) error {
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", s.Dir, err)
	}
	cn := s.CommonName
	if cn == "" {
		cn = "localhost"
	}
	dns := s.DNSNames
	if len(dns) == 0 {
		dns = []string{"localhost"}
	}
	days := s.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSigned(CertConfig{
		CommonName:   cn,
		Organization: "appmgr",
		DNSNames:     dns,
		IPAddresses:  []string{"127.0.0.1"},
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(s.Dir, certFile),
		KeyPath:      filepath.Join(s.Dir, keyFile),
		CACertPath:   filepath.Join(s.Dir, caFile),
	})
}
