// Package auth verifies gateway credentials: static operator tokens
// (stored as sha256 digests) and short-lived session tokens minted for
// paired devices.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken is returned for credentials that match nothing.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoCredentials is returned when the connect frame carries no token.
	ErrNoCredentials = errors.New("no credentials supplied")
)

// Method identifies how a connection authenticated.
type Method string

const (
	// MethodToken is a static operator token from the config file.
	MethodToken Method = "token"
	// MethodSession is a JWT minted through device pairing.
	MethodSession Method = "session"
)

// Identity describes an authenticated principal.
type Identity struct {
	UserID string
	Device string
	Method Method
}

// Config configures the verifier.
type Config struct {
	// TokenHashes are sha256 hex digests of operator tokens.
	TokenHashes []string
	// Tokens are plaintext operator tokens; only honored when
	// AllowLegacyTokens is set.
	Tokens            []string
	AllowLegacyTokens bool
	// JWTSecret signs session tokens. Empty disables pairing sessions.
	JWTSecret string
	// SessionTTL bounds minted session tokens.
	SessionTTL time.Duration
}

// Verifier checks presented credentials against the configured token set
// and session-token secret.
type Verifier struct {
	digests [][]byte
	jwt     *sessionSigner
	now     func() time.Time
}

// NewVerifier builds a verifier. Token hashes must be sha256 hex.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{now: time.Now}

	for _, h := range cfg.TokenHashes {
		raw, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("token hash %q is not a sha256 hex digest", h)
		}
		v.digests = append(v.digests, raw)
	}
	if cfg.AllowLegacyTokens {
		for _, t := range cfg.Tokens {
			sum := sha256.Sum256([]byte(strings.TrimSpace(t)))
			v.digests = append(v.digests, sum[:])
		}
	}
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		v.jwt = newSessionSigner(secret, cfg.SessionTTL, func() time.Time { return v.now() })
	}
	return v, nil
}

// Enabled reports whether any credential source is configured.
func (v *Verifier) Enabled() bool {
	return v != nil && (len(v.digests) > 0 || v.jwt != nil)
}

// Verify authenticates a presented token. Operator tokens are checked
// first, then session JWTs.
func (v *Verifier) Verify(token string) (*Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoCredentials
	}

	if v.matchOperator(token) {
		return &Identity{UserID: "operator", Method: MethodToken}, nil
	}
	if v.jwt != nil {
		if id, err := v.jwt.verify(token); err == nil {
			return id, nil
		}
	}
	return nil, ErrInvalidToken
}

// MintSession issues a session token for a paired device.
func (v *Verifier) MintSession(userID, device string) (string, error) {
	if v.jwt == nil {
		return "", errors.New("session tokens not configured")
	}
	return v.jwt.mint(userID, device)
}

// matchOperator hashes the candidate and compares it against every stored
// digest. All digests are visited regardless of match position.
func (v *Verifier) matchOperator(token string) bool {
	sum := sha256.Sum256([]byte(token))
	matched := false
	for _, d := range v.digests {
		if subtle.ConstantTimeCompare(sum[:], d) == 1 {
			matched = true
		}
	}
	return matched
}

// HashToken returns the sha256 hex digest stored in config for a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// NewToken generates a random operator token.
func NewToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
