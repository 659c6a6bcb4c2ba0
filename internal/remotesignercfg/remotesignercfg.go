// Package remotesignercfg loads and validates the runtime configuration for
// remote (keyring-proxy) signing mode. Unlike
// internal/security.ValidateEndpointURL — which exists to block a server
// from being tricked into calling an attacker-controlled internal address
// (SSRF) — this package's transport check runs the opposite way: a
// loopback proxy is the expected shape for local development, so it is
// explicitly allowed, and only non-https/non-loopback endpoints are
// rejected. The two checks share the parse-then-inspect-host structure but
// encode different trust boundaries, which is why this package does not
// simply call security.ValidateEndpointURL.
package remotesignercfg

import (
	"context"
	"encoding/json"
	"net"
	"net/url"
	"strings"

	"github.com/starkclaw/session-core/internal/corerr"
	"github.com/starkclaw/session-core/internal/keystore"
)

// Mode is the signing mode selected by the caller.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
)

// NSCredentials is the fixed keystore namespace holding remote-signer
// credentials (clientId, hmacSecret, optional keyId).
const NSCredentials = keystore.NSRemoteSigner

// Input is the caller-supplied, not-yet-validated configuration.
type Input struct {
	Mode           Mode
	ProxyURL       string
	RequestTimeoutMs int64
	Requester      string
	MTLSRequired   bool
	IsProduction   bool
}

// Config is the validated, immutable remote-signer runtime configuration.
// Construct only via Load.
type Config struct {
	mode             Mode
	proxyURL         string // normalized with trailing slash
	clientID         string
	hmacSecret       string
	keyID            string
	requestTimeoutMs int64
	requester        string
	mtlsRequired     bool
}

func (c Config) Mode() Mode             { return c.mode }
func (c Config) ProxyURL() string       { return c.proxyURL }
func (c Config) ClientID() string       { return c.clientID }
func (c Config) HMACSecret() string     { return c.hmacSecret }
func (c Config) KeyID() string          { return c.keyID }
func (c Config) RequestTimeoutMs() int64 { return c.requestTimeoutMs }
func (c Config) Requester() string      { return c.requester }
func (c Config) MTLSRequired() bool     { return c.mtlsRequired }

// credentialsRecord is the JSON shape stored under NSCredentials.
type credentialsRecord struct {
	ClientID   string `json:"clientId"`
	HMACSecret string `json:"hmacSecret"`
	KeyID      string `json:"keyId,omitempty"`
}

// Load validates in and, for remote mode, loads credentials from store,
// returning an immutable Config. Local mode never touches the keystore's
// remote-signer namespace and always succeeds on well-formed input.
func Load(ctx context.Context, in Input, store keystore.Store) (*Config, error) {
	mode := in.Mode
	if mode == "" {
		mode = ModeLocal
	}
	if mode != ModeLocal && mode != ModeRemote {
		return nil, corerr.New(corerr.CodeInvalidInput, "mode must be \"local\" or \"remote\"")
	}

	if mode == ModeLocal {
		return &Config{mode: ModeLocal}, nil
	}

	if in.ProxyURL == "" {
		return nil, corerr.New(corerr.CodeConfigMissingProxyURL, "proxyUrl is required in remote signing mode")
	}
	if err := validateTransport(in.ProxyURL); err != nil {
		return nil, err
	}
	if in.IsProduction && !in.MTLSRequired {
		return nil, corerr.New(corerr.CodeConfigMTLSRequired, "mtlsRequired must be true in production")
	}

	timeout := in.RequestTimeoutMs
	if timeout < 1000 {
		timeout = 1000
	}

	raw, err := store.Get(ctx, NSCredentials)
	if err != nil {
		return nil, corerr.Wrap(corerr.CodeInternal, "failed to read remote-signer credentials", err)
	}
	if raw == nil {
		return nil, corerr.New(corerr.CodeInvalidInput, "remote-signer credentials are not configured")
	}
	creds, err := decodeCredentials(*raw)
	if err != nil {
		return nil, err
	}
	if creds.ClientID == "" || creds.HMACSecret == "" {
		return nil, corerr.New(corerr.CodeInvalidInput, "remote-signer credentials are incomplete: clientId and hmacSecret are both required")
	}

	return &Config{
		mode:             ModeRemote,
		proxyURL:         normalizeTrailingSlash(in.ProxyURL),
		clientID:         creds.ClientID,
		hmacSecret:       creds.HMACSecret,
		keyID:            creds.KeyID,
		requestTimeoutMs: timeout,
		requester:        in.Requester,
		mtlsRequired:     in.MTLSRequired,
	}, nil
}

// validateTransport enforces the "https or loopback only" transport rule.
func validateTransport(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return corerr.Wrap(corerr.CodeConfigInsecureTransport, "proxyUrl is not a valid URL", err)
	}
	if u.Scheme == "https" {
		return nil
	}

	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}

	return corerr.New(corerr.CodeConfigInsecureTransport,
		"proxyUrl must use https, or be a loopback host (localhost/127.0.0.1), got scheme "+u.Scheme+" host "+host)
}

func normalizeTrailingSlash(rawURL string) string {
	if strings.HasSuffix(rawURL, "/") {
		return rawURL
	}
	return rawURL + "/"
}

func decodeCredentials(raw string) (credentialsRecord, error) {
	var creds credentialsRecord
	if err := json.Unmarshal([]byte(raw), &creds); err != nil {
		return credentialsRecord{}, corerr.Wrap(corerr.CodeInternal, "remote-signer credentials are corrupt", err)
	}
	return creds, nil
}
