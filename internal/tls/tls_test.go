package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)

	fi, err := os.Stat(filepath.Join(dir, keyName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	cert, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	// A second setup reuses the pair.
	before, _ := os.ReadFile(filepath.Join(dir, certName))
	_, err = Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, _ := os.ReadFile(filepath.Join(dir, certName))
	assert.Equal(t, before, after)
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(Config{Enabled: true})
	assert.Error(t, err)

	_, err = Setup(Config{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err, "missing pair without auto_generate")

	_, err = Setup(Config{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	assert.Error(t, err)
}

func TestExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	c := CertConfig{Hosts: []string{"example.internal", "10.0.0.1"}, CertPath: filepath.Join(dir, "a.crt"), KeyPath: filepath.Join(dir, "a.key")}
	c.NotAfter = c.NotAfter.AddDate(3000, 0, 0)
	require.NoError(t, GenerateSelfSigned(c))

	cfg, err := Setup(Config{Enabled: true, CertFile: c.CertPath, KeyFile: c.KeyPath})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
}
