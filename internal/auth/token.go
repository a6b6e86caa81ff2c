// Package auth supplies the bearer token attached to detection requests.
// Login and token storage belong to the authentication collaborator; this
// package only reads what it wrote.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// TokenEnv is the environment variable read by EnvTokenSource
const TokenEnv = "EVDETECT_TOKEN"

// TokenSource returns the current bearer token.
// An empty token with a nil error means requests go out unauthenticated
type TokenSource interface {
	Token() (string, error)
}

// StaticTokenSource always returns the same token
type StaticTokenSource string

// Token implements TokenSource
func (s StaticTokenSource) Token() (string, error) {
	return string(s), nil
}

// EnvTokenSource reads the token from an environment variable on every call
type EnvTokenSource struct {
	Key string
}

// NewEnvTokenSource reads EVDETECT_TOKEN
func NewEnvTokenSource() *EnvTokenSource {
	return &EnvTokenSource{Key: TokenEnv}
}

// Token implements TokenSource
func (s *EnvTokenSource) Token() (string, error) {
	key := s.Key
	if key == "" {
		key = TokenEnv
	}
	return strings.TrimSpace(os.Getenv(key)), nil
}

// FileTokenSource reads the token file on every call so a fresh login is
// picked up without restarting
type FileTokenSource struct {
	Path string
}

// Token implements TokenSource. A missing file is not an error: the request
// is sent without credentials and the service decides
func (s *FileTokenSource) Token() (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ChainTokenSource returns the first non-empty token of its sources
type ChainTokenSource []TokenSource

// Token implements TokenSource
func (c ChainTokenSource) Token() (string, error) {
	var firstErr error
	for _, src := range c {
		if src == nil {
			continue
		}
		token, err := src.Token()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if token != "" {
			return token, nil
		}
	}
	if firstErr != nil {
		return "", firstErr
	}
	return "", nil
}

// Resolve reads a token from src and warns about one that is already
// expired. It never fails: a broken source yields an empty token
func Resolve(src TokenSource) string {
	if src == nil {
		return ""
	}
	token, err := src.Token()
	if err != nil {
		log.Warn().Str("component", "auth").Err(err).Msg("token unavailable, sending request without credentials")
		return ""
	}
	if token == "" {
		return ""
	}

	switch err := CheckExpiry(token, time.Now()); {
	case errors.Is(err, ErrExpiredToken):
		log.Warn().Str("component", "auth").Msg("token has expired, the service will ask for a new login")
	case err != nil:
		log.Debug().Str("component", "auth").Msg("token is not a JWT, sending as is")
	}
	return token
}
