package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"hash"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fleetlink/agent/internal/config"
)

// buildTLSConfig constructs the *tls.Config for the mutual-TLS auth variant
// (spec §4.1), following the teacher's createTLSConfig.
func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: cfg.TLS.SNI,
	}

	if cfg.TLS.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.TLS.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("channel: read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("channel: parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.TLS.ClientCertFile != "" && cfg.TLS.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.ClientCertFile, cfg.TLS.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("channel: load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

// sharedSecretHeaders builds the four x-nh-* headers for the shared-secret
// auth variant (spec §4.1, §6). Regenerated on every (re)connect attempt
// because the timestamp is wall-clock seconds and stale signatures may be
// rejected.
func sharedSecretHeaders(cfg *config.Config) (http.Header, error) {
	digest, err := digestFor(cfg.TLS.SharedSecretDigest)
	if err != nil {
		return nil, err
	}

	now := strconv.FormatInt(time.Now().Unix(), 10)
	alg := fmt.Sprintf("NH1-HMAC-%s-%d-%d",
		cfg.TLS.SharedSecretDigest, cfg.TLS.SharedSecretIterations, cfg.TLS.SharedSecretKeyLength)

	salt := sharedSecretSalt(alg, cfg.TLS.SharedSecretKeyID, now)
	mac := hmac.New(digest, []byte(cfg.TLS.SharedSecretSecret))
	mac.Write([]byte(salt))
	mac.Write([]byte(cfg.DeviceIdentifier))
	signature := fmt.Sprintf("%x", mac.Sum(nil))

	h := http.Header{}
	h.Set("x-nh-alg", alg)
	h.Set("x-nh-key", cfg.TLS.SharedSecretKeyID)
	h.Set("x-nh-time", now)
	h.Set("x-nh-signature", signature)
	return h, nil
}

// sharedSecretSalt fixes the header block the server reconstructs on its
// side before verifying the signature (spec §4.1).
func sharedSecretSalt(alg, keyID, timestamp string) string {
	return fmt.Sprintf("alg=%s\nkey=%s\ntime=%s\n", alg, keyID, timestamp)
}

func digestFor(name string) (func() hash.Hash, error) {
	switch name {
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("channel: unsupported shared secret digest %q", name)
	}
}
