package api

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSignedCertPersisted(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")

	first, err := generateSelfSignedCert(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "cert.pem"))
	assert.FileExists(t, filepath.Join(dir, "key.pem"))

	// The persisted pair is reused on restart.
	second, err := generateSelfSignedCert(dir)
	require.NoError(t, err)
	assert.Equal(t, first.Certificate, second.Certificate)
}

func TestSelfSignedCertUnwritableDir(t *testing.T) {
	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	defer slog.SetDefault(prev)

	// A regular file where the directory should be.
	blocker := filepath.Join(t.TempDir(), "tls")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	cert, err := generateSelfSignedCert(blocker)
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)
	assert.Contains(t, logs.String(), "TLS certificate not persisted")
}
