// Package auth provides optional credential checking and JWT issuance
// for the control plane. Disabled by default; the data plane is never
// gated.
package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"visionhub/internal/config"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Authenticator validates credentials against the configured user.
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	jwtManager   *JWTManager
}

// NewAuthenticator builds an authenticator from configuration. The
// configured password may be plaintext (hashed at startup) or an
// existing bcrypt hash.
func NewAuthenticator(cfg config.Auth) *Authenticator {
	var passwordHash []byte
	if cfg.Enabled && cfg.Password != "" {
		if len(cfg.Password) == 60 && cfg.Password[0] == '$' {
			passwordHash = []byte(cfg.Password)
		} else if hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost); err == nil {
			passwordHash = hash
		}
	}
	return &Authenticator{
		enabled:      cfg.Enabled,
		username:     cfg.Username,
		passwordHash: passwordHash,
		jwtManager:   NewJWTManager(cfg.JWTSecret),
	}
}

// IsEnabled reports whether authentication is turned on.
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate checks credentials and returns a signed token plus its
// expiry as a unix timestamp.
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}
	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}
	token, expiresAt, err := a.jwtManager.GenerateToken(username)
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

// ValidateToken parses and validates a bearer token.
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.jwtManager.ValidateToken(token)
}
