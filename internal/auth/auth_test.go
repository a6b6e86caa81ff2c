package auth

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := &Claims{
		UserID:   "u1",
		Username: "dispatcher",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestInspectWithoutSecret(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	claims, err := Inspect(signToken(t, exp))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if claims.Username != "dispatcher" || claims.UserID != "u1" {
		t.Errorf("unexpected claims %+v", claims)
	}
	if got, ok := ExpiresAt(signToken(t, exp)); !ok || !got.Equal(exp) {
		t.Errorf("expected expiry %v, got %v (%v)", exp, got, ok)
	}
}

func TestCheckExpiry(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		token    string
		expected error
	}{
		{"valid", signToken(t, now.Add(time.Hour)), nil},
		{"expired", signToken(t, now.Add(-time.Minute)), ErrExpiredToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
	}
	for _, tt := range tests {
		if err := CheckExpiry(tt.token, now); !errors.Is(err, tt.expected) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.expected, err)
		}
	}
}

func TestFileTokenSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")

	src := &FileTokenSource{Path: path}
	token, err := src.Token()
	if err != nil || token != "" {
		t.Errorf("missing file should yield empty token, got %q %v", token, err)
	}

	if err := os.WriteFile(path, []byte("abc\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if token, _ := src.Token(); token != "abc" {
		t.Errorf("expected trimmed token, got %q", token)
	}
}

func TestChainAndEnvTokenSource(t *testing.T) {
	t.Setenv("EVDETECT_TEST_TOKEN", " envtok ")

	chain := ChainTokenSource{
		StaticTokenSource(""),
		&EnvTokenSource{Key: "EVDETECT_TEST_TOKEN"},
		StaticTokenSource("later"),
	}
	if token, err := chain.Token(); err != nil || token != "envtok" {
		t.Errorf("expected envtok, got %q %v", token, err)
	}

	if Resolve(nil) != "" {
		t.Error("nil source should resolve to empty token")
	}
	expired := signToken(t, time.Now().Add(-time.Hour))
	if Resolve(StaticTokenSource(expired)) != expired {
		t.Error("expired token should still be sent")
	}
}
