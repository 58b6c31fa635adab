package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabled(t *testing.T) {
	c, err := Setup(Settings{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Settings{}.Validate())
	assert.ErrorIs(t, Settings{Enabled: true}.Validate(), ErrNoCertificate)
	assert.Error(t, Settings{Enabled: true, CertFile: "a.crt"}.Validate())
	assert.Error(t, Settings{Enabled: true, Dir: "/x", MinVersion: "1.0"}.Validate())
	assert.NoError(t, Settings{Enabled: true, Dir: "/x", MinVersion: "1.2"}.Validate())
}

func TestAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(Settings{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2", DNSNames: []string{"appmgr.local"}})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)

	for _, f := range []string{certFile, keyFile, caFile} {
		assert.FileExists(t, filepath.Join(dir, f))
	}
	info, err := os.Stat(filepath.Join(dir, keyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost", leaf.Subject.CommonName)
	assert.Equal(t, []string{"appmgr.local"}, leaf.DNSNames)

	// an existing pair is reused
	before, err := os.ReadFile(filepath.Join(dir, certFile))
	require.NoError(t, err)
	_, err = Setup(Settings{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, certFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateSelfSigned(CertConfig{
		CommonName: "api",
		CertPath:   filepath.Join(dir, "api.crt"),
		KeyPath:    filepath.Join(dir, "api.key"),
		NotAfter:   time.Now().Add(time.Hour),
	}))
	c, err := Setup(Settings{Enabled: true, CertFile: filepath.Join(dir, "api.crt"), KeyFile: filepath.Join(dir, "api.key")})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)

	_, err = Setup(Settings{Enabled: true, Dir: t.TempDir()})
	assert.Error(t, err)
}
