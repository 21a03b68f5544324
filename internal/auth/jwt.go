package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const sessionIssuer = "moonbot"

// sessionClaims carry the paired device name alongside the registered set.
type sessionClaims struct {
	Device string `json:"device,omitempty"`
	jwt.RegisteredClaims
}

// sessionSigner mints and verifies HS256 session tokens.
type sessionSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newSessionSigner(secret string, ttl time.Duration, now func() time.Time) *sessionSigner {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &sessionSigner{secret: []byte(secret), ttl: ttl, now: now}
}

func (s *sessionSigner) mint(userID, device string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", fmt.Errorf("user id required")
	}
	now := s.now()
	claims := sessionClaims{
		Device: strings.TrimSpace(device),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    sessionIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *sessionSigner) verify(token string) (*Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(sessionIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{
		UserID: claims.Subject,
		Device: claims.Device,
		Method: MethodSession,
	}, nil
}
