package remotesignercfg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/keystore"
)

func TestLoadLocalModeNeedsNoCredentials(t *testing.T) {
	cfg, err := Load(context.Background(), Input{Mode: ModeLocal}, keystore.NewMemoryStore())
	require.NoError(t, err)
	assert.Equal(t, ModeLocal, cfg.Mode())
}

func TestLoadRemoteMissingProxyURL(t *testing.T) {
	_, err := Load(context.Background(), Input{Mode: ModeRemote}, keystore.NewMemoryStore())
	require.Error(t, err)
	var ce *corerr.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, corerr.CodeConfigMissingProxyURL, ce.Code)
}

func TestLoadRemoteInsecureTransportRejected(t *testing.T) {
	store := keystore.NewMemoryStore()
	seedCredentials(t, store)

	_, err := Load(context.Background(), Input{Mode: ModeRemote, ProxyURL: "http://evil.example.com"}, store)
	require.Error(t, err)
	var ce *corerr.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, corerr.CodeConfigInsecureTransport, ce.Code)
}

func TestLoadRemoteLoopbackAllowedWithoutHTTPS(t *testing.T) {
	store := keystore.NewMemoryStore()
	seedCredentials(t, store)

	cfg, err := Load(context.Background(), Input{Mode: ModeRemote, ProxyURL: "http://127.0.0.1:8787"}, store)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8787/", cfg.ProxyURL())
}

func TestLoadRemoteHTTPSNonLoopbackAllowed(t *testing.T) {
	store := keystore.NewMemoryStore()
	seedCredentials(t, store)

	cfg, err := Load(context.Background(), Input{Mode: ModeRemote, ProxyURL: "https://keyring.example.com"}, store)
	require.NoError(t, err)
	assert.Equal(t, "https://keyring.example.com/", cfg.ProxyURL())
}

func TestLoadRemoteProductionRequiresMTLS(t *testing.T) {
	store := keystore.NewMemoryStore()
	seedCredentials(t, store)

	_, err := Load(context.Background(), Input{
		Mode: ModeRemote, ProxyURL: "https://keyring.example.com", IsProduction: true,
	}, store)
	require.Error(t, err)
	var ce *corerr.CoreError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, corerr.CodeConfigMTLSRequired, ce.Code)

	cfg, err := Load(context.Background(), Input{
		Mode: ModeRemote, ProxyURL: "https://keyring.example.com", IsProduction: true, MTLSRequired: true,
	}, store)
	require.NoError(t, err)
	assert.True(t, cfg.MTLSRequired())
}

func TestLoadRemoteMissingCredentials(t *testing.T) {
	store := keystore.NewMemoryStore()
	_, err := Load(context.Background(), Input{Mode: ModeRemote, ProxyURL: "https://keyring.example.com"}, store)
	require.Error(t, err)
}

func seedCredentials(t *testing.T, store keystore.Store) {
	t.Helper()
	require.NoError(t, store.Set(context.Background(), NSCredentials, `{"clientId":"mobile-1","hmacSecret":"s3cr3t"}`))
}
