package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/agent/internal/config"
)

func TestSharedSecretSalt_IsDeterministic(t *testing.T) {
	a := sharedSecretSalt("NH1-HMAC-sha256-1000-32", "key-1", "1700000000")
	b := sharedSecretSalt("NH1-HMAC-sha256-1000-32", "key-1", "1700000000")
	assert.Equal(t, a, b)
	assert.Contains(t, a, "alg=NH1-HMAC-sha256-1000-32\n")
	assert.Contains(t, a, "key=key-1\n")
	assert.Contains(t, a, "time=1700000000\n")
}

func TestSharedSecretHeaders_SignatureChangesWithIdentifier(t *testing.T) {
	cfg := &config.Config{
		TLS: config.TLSConfig{
			SharedSecretKeyID:     "key-1",
			SharedSecretSecret:    "topsecret",
			SharedSecretDigest:    "sha256",
			SharedSecretIterations: 1000,
			SharedSecretKeyLength: 32,
		},
		DeviceIdentifier: "device-a",
	}
	h1, err := sharedSecretHeaders(cfg)
	require.NoError(t, err)

	cfg.DeviceIdentifier = "device-b"
	h2, err := sharedSecretHeaders(cfg)
	require.NoError(t, err)

	assert.NotEqual(t, h1.Get("x-nh-signature"), h2.Get("x-nh-signature"))
	assert.Equal(t, "key-1", h1.Get("x-nh-key"))
	assert.Equal(t, "NH1-HMAC-sha256-1000-32", h1.Get("x-nh-alg"))
}

func TestDigestFor_RejectsUnknown(t *testing.T) {
	_, err := digestFor("md5")
	assert.Error(t, err)
}

func TestBuildTLSConfig_DefaultsWhenNoMaterialConfigured(t *testing.T) {
	cfg := &config.Config{TLS: config.TLSConfig{SNI: "device.example.com"}}
	tlsCfg, err := buildTLSConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "device.example.com", tlsCfg.ServerName)
	assert.Empty(t, tlsCfg.Certificates)
}

func TestBuildTLSConfig_MissingCAFileErrors(t *testing.T) {
	cfg := &config.Config{TLS: config.TLSConfig{CACertFile: "/nonexistent/ca.pem"}}
	_, err := buildTLSConfig(cfg)
	assert.Error(t, err)
}

func TestBuildTLSConfig_MissingClientCertFileErrors(t *testing.T) {
	cfg := &config.Config{TLS: config.TLSConfig{ClientCertFile: "/nonexistent/cert.pem", ClientKeyFile: "/nonexistent/key.pem"}}
	_, err := buildTLSConfig(cfg)
	assert.Error(t, err)
}
