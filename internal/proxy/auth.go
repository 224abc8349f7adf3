// Package proxy contains shared authentication logic for proxy services.
package proxy

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"

	"egress-proxy/internal/config"
)

// ErrNoUsersConfigured means a proxy requires authentication but its
// config carries no user entries. The proxy refuses to start rather
// than silently accepting everyone.
var ErrNoUsersConfigured = errors.New("authentication enabled but no users configured")

// Authenticator verifies proxy credentials against the configured
// Argon2id hashes.
type Authenticator struct {
	users     map[string]string
	proxyName string
}

// NewAuthenticator builds an authenticator from the proxy's auth config.
func NewAuthenticator(cfg config.Auth, proxyName string) (*Authenticator, error) {
	a := &Authenticator{proxyName: proxyName}
	if !cfg.Enabled {
		log.Warn().Str("proxy_name", proxyName).Msg("Proxy authentication is disabled")
		return a, nil
	}
	if len(cfg.Users) == 0 {
		return nil, fmt.Errorf("proxy '%s': %w", proxyName, ErrNoUsersConfigured)
	}
	a.users = make(map[string]string, len(cfg.Users))
	for _, user := range cfg.Users {
		if user.Username == "" || user.Password == "" {
			return nil, fmt.Errorf("user entry in config is missing username or password hash for proxy '%s'", proxyName)
		}
		a.users[user.Username] = user.Password
	}
	log.Info().Str("proxy_name", proxyName).Int("user_count", len(a.users)).Msg("Argon2 authentication enabled")
	return a, nil
}

// Required reports whether clients must present credentials.
func (a *Authenticator) Required() bool { return len(a.users) > 0 }

// Verify checks a username/password pair.
func (a *Authenticator) Verify(username, password string) bool {
	expectedHash, ok := a.users[username]
	if !ok {
		log.Warn().Str("proxy_name", a.proxyName).Str("username", username).Msg("Authentication failed: user not found")
		return false
	}
	match, err := VerifyPassword(password, expectedHash)
	if err != nil {
		log.Error().Err(err).Str("proxy_name", a.proxyName).Str("username", username).Msg("Password verification failed: internal error")
		return false
	}
	if !match {
		log.Warn().Str("proxy_name", a.proxyName).Str("username", username).Msg("Authentication failed: invalid password")
		return false
	}
	log.Info().Str("proxy_name", a.proxyName).Str("username", username).Msg("User authenticated successfully")
	return true
}

// VerifyPassword checks if a plaintext password matches a given Argon2id hash string.
func VerifyPassword(password, hash string) (bool, error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("invalid argon2 hash format")
	}
	if parts[1] != "argon2id" {
		return false, fmt.Errorf("unsupported argon2 variant: %s", parts[1])
	}
	var version int
	_, err := fmt.Sscanf(parts[2], "v=%d", &version)
	if err != nil || version != argon2.Version {
		return false, fmt.Errorf("unsupported argon2 version")
	}
	var memory, iterations uint32
	var parallelism uint8
	_, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism)
	if err != nil {
		return false, fmt.Errorf("failed to parse argon2 params: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}
	decodedHash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}
	comparisonHash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(decodedHash)))
	if subtle.ConstantTimeCompare(decodedHash, comparisonHash) == 1 {
		return true, nil
	}
	return false, nil
}
