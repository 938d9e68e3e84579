package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_MutualTLS(t *testing.T) {
	path := writeTemp(t, `
server_url: wss://device.example.com/socket
data_dir: /tmp/fleetlink
flasher_binary_path: /usr/bin/fwup
tls:
  mode: mtls
  client_cert_file: /certs/client.pem
  client_key_file: /certs/client.key
extensions_allow_list: [geo, health]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://device.example.com/socket", cfg.ServerURL)
	assert.Equal(t, AuthMutualTLS, cfg.TLS.Mode)
	assert.Equal(t, 30, int(cfg.HeartbeatInterval.Seconds()))
}

func TestLoad_SharedSecretDefaultsDigest(t *testing.T) {
	path := writeTemp(t, `
server_url: wss://device.example.com/socket
data_dir: /tmp/fleetlink
flasher_binary_path: /usr/bin/fwup
tls:
  mode: shared_secret
  shared_secret_key_id: key-1
  shared_secret_secret: topsecret
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sha256", cfg.TLS.SharedSecretDigest)
}

func TestValidate_RejectsUnrecognizedExtension(t *testing.T) {
	cfg := Default()
	cfg.ServerURL = "wss://x"
	cfg.FlasherBinaryPath = "/usr/bin/fwup"
	cfg.TLS.Mode = AuthMutualTLS
	cfg.TLS.ClientCertFile = "a"
	cfg.TLS.ClientKeyFile = "b"
	cfg.ExtensionsAllowList = []string{"telemetry-v2"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry-v2")
}

func TestValidate_RequiresAuthMode(t *testing.T) {
	cfg := Default()
	cfg.ServerURL = "wss://x"
	cfg.FlasherBinaryPath = "/usr/bin/fwup"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tls.mode")
}

func TestValidate_RequiresFlasherBinaryPath(t *testing.T) {
	cfg := Default()
	cfg.ServerURL = "wss://x"
	cfg.TLS.Mode = AuthSharedSecret
	cfg.TLS.SharedSecretKeyID = "k"
	cfg.TLS.SharedSecretSecret = "s"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flasher_binary_path")
}

func TestValidate_RequiresServerURL(t *testing.T) {
	cfg := Default()
	cfg.TLS.Mode = AuthSharedSecret
	cfg.TLS.SharedSecretKeyID = "k"
	cfg.TLS.SharedSecretSecret = "s"

	err := cfg.Validate()
	require.Error(t, err)
}
