package auth

import (
	"errors"
	"testing"
	"time"
)

func TestVerifyOperatorTokenByHash(t *testing.T) {
	token := "s3cret-operator-token"
	v, err := NewVerifier(Config{TokenHashes: []string{HashToken(token)}})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "operator" || id.Method != MethodToken {
		t.Errorf("identity = %+v", id)
	}

	if _, err := v.Verify("wrong-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong token err = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyEmptyToken(t *testing.T) {
	v, _ := NewVerifier(Config{TokenHashes: []string{HashToken("x")}})
	if _, err := v.Verify("  "); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("err = %v, want ErrNoCredentials", err)
	}
}

func TestLegacyPlaintextTokens(t *testing.T) {
	v, err := NewVerifier(Config{Tokens: []string{"legacy-token"}, AllowLegacyTokens: true})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if _, err := v.Verify("legacy-token"); err != nil {
		t.Errorf("legacy token rejected: %v", err)
	}

	// Without the opt-in flag plaintext tokens are ignored entirely.
	v2, _ := NewVerifier(Config{Tokens: []string{"legacy-token"}})
	if _, err := v2.Verify("legacy-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestNewVerifierRejectsBadHash(t *testing.T) {
	cases := []string{"not-hex", "abcd", ""}
	for _, h := range cases {
		if _, err := NewVerifier(Config{TokenHashes: []string{h}}); err == nil {
			t.Errorf("hash %q should be rejected", h)
		}
	}
}

func TestSessionMintAndVerify(t *testing.T) {
	v, err := NewVerifier(Config{JWTSecret: "unit-test-secret", SessionTTL: time.Hour})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	token, err := v.MintSession("usr-laptop", "Alice's Laptop")
	if err != nil {
		t.Fatalf("MintSession: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify session: %v", err)
	}
	if id.UserID != "usr-laptop" || id.Device != "Alice's Laptop" || id.Method != MethodSession {
		t.Errorf("identity = %+v", id)
	}
}

func TestSessionExpiry(t *testing.T) {
	v, _ := NewVerifier(Config{JWTSecret: "unit-test-secret", SessionTTL: time.Hour})
	base := time.Now()
	v.now = func() time.Time { return base }

	token, err := v.MintSession("usr-1", "phone")
	if err != nil {
		t.Fatalf("MintSession: %v", err)
	}

	v.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired session err = %v, want ErrInvalidToken", err)
	}
}

func TestSessionWrongSecret(t *testing.T) {
	minter, _ := NewVerifier(Config{JWTSecret: "secret-a"})
	checker, _ := NewVerifier(Config{JWTSecret: "secret-b"})

	token, err := minter.MintSession("usr-1", "phone")
	if err != nil {
		t.Fatalf("MintSession: %v", err)
	}
	if _, err := checker.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("cross-secret verify err = %v, want ErrInvalidToken", err)
	}
}

func TestMintSessionRequiresSecret(t *testing.T) {
	v, _ := NewVerifier(Config{TokenHashes: []string{HashToken("x")}})
	if _, err := v.MintSession("usr-1", "phone"); err == nil {
		t.Error("MintSession without secret should error")
	}
}

func TestEnabled(t *testing.T) {
	none, _ := NewVerifier(Config{})
	if none.Enabled() {
		t.Error("empty verifier should be disabled")
	}
	withHash, _ := NewVerifier(Config{TokenHashes: []string{HashToken("x")}})
	if !withHash.Enabled() {
		t.Error("verifier with hashes should be enabled")
	}
}

func TestNewTokenAndHashRoundTrip(t *testing.T) {
	token, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if len(token) < 32 {
		t.Errorf("token too short: %q", token)
	}

	v, err := NewVerifier(Config{TokenHashes: []string{HashToken(token)}})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if _, err := v.Verify(token); err != nil {
		t.Errorf("generated token rejected: %v", err)
	}
}
