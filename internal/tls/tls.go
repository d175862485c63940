// Package tls prepares the TLS configuration of the control server, either
// from certificate files or from a directory where a self-signed pair can
// be generated on first use.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	certName = "tls.crt"
	keyName  = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `toml:"key_file" mapstructure:"key_file"`
	// Dir holds tls.crt and tls.key when CertFile/KeyFile are not set.
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	// MinVersion is "1.2" or "1.3" (default).
	MinVersion string   `toml:"min_version" mapstructure:"min_version"`
	Hosts      []string `toml:"hosts" mapstructure:"hosts"`
}

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.3", "tls1.3", "TLS1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2", "TLS1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

// Setup returns nil, nil when TLS is disabled. Certificates are re-read on
// every handshake so a renewed pair is picked up without a restart.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := c.CertFile, c.KeyFile
	if certPath == "" || keyPath == "" {
		if c.Dir == "" {
			return nil, errors.New("tls enabled but neither cert_file/key_file nor dir is set")
		}
		certPath = filepath.Join(c.Dir, certName)
		keyPath = filepath.Join(c.Dir, keyName)
		if c.AutoGenerate && !exists(certPath, keyPath) {
			if err := os.MkdirAll(c.Dir, 0o750); err != nil {
				return nil, fmt.Errorf("create tls dir: %w", err)
			}
			hosts := c.Hosts
			if len(hosts) == 0 {
				hosts = []string{"localhost", "127.0.0.1"}
			}
			err := GenerateSelfSigned(CertConfig{
				Hosts:    hosts,
				NotAfter: time.Now().AddDate(5, 0, 0),
				CertPath: certPath,
				KeyPath:  keyPath,
			})
			if err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			return &cert, err
		},
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
