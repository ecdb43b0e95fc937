// Package auth validates the credentials a client presents in its auth
// frame. Two modes are supported: "jwt" verifies an HMAC-signed token whose
// subject must match the claimed user id, and "static" checks the token
// against per-user bcrypt hashes from the config. The signing secret is
// resolved from the OS keyring, then the environment, then the config file.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for any failed validation. Callers must
// not leak which part of the check failed to the client.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	keyringService = "empirion"
	keyringSecret  = "auth_secret"
	envSecret      = "EMPIRION_AUTH_SECRET"
)

// Config selects and parameterizes the authenticator.
type Config struct {
	// Mode is "jwt" or "static".
	Mode string `yaml:"mode"`

	// Secret is the HMAC signing secret for jwt mode. Leave empty to
	// resolve from the OS keyring or EMPIRION_AUTH_SECRET instead.
	Secret string `yaml:"secret"`

	// Users maps user ids to bcrypt token hashes for static mode.
	Users map[string]string `yaml:"users"`
}

// Authenticator validates a user id and token pair.
type Authenticator interface {
	Authenticate(ctx context.Context, userID, token string) error
}

// New builds the authenticator selected by cfg.
func New(cfg Config, logger *slog.Logger) (Authenticator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	switch cfg.Mode {
	case "", "jwt":
		secret := resolveSecret(cfg, logger)
		if secret == "" {
			return nil, fmt.Errorf("jwt auth requires a secret (keyring, %s, or auth.secret)", envSecret)
		}
		return &JWTAuthenticator{secret: []byte(secret)}, nil
	case "static":
		if len(cfg.Users) == 0 {
			return nil, fmt.Errorf("static auth requires at least one user in auth.users")
		}
		return &StaticAuthenticator{users: cfg.Users}, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// resolveSecret looks the signing secret up in order of decreasing trust:
// OS keyring, environment, config value.
func resolveSecret(cfg Config, logger *slog.Logger) string {
	if v, err := keyring.Get(keyringService, keyringSecret); err == nil && v != "" {
		logger.Debug("auth secret resolved from OS keyring")
		return v
	}
	if v := os.Getenv(envSecret); v != "" {
		logger.Debug("auth secret resolved from environment")
		return v
	}
	if cfg.Secret != "" {
		logger.Warn("auth secret read from config file; prefer the OS keyring or environment")
	}
	return cfg.Secret
}

// StoreSecret saves the signing secret in the OS keyring.
func StoreSecret(secret string) error {
	return keyring.Set(keyringService, keyringSecret, secret)
}

// JWTAuthenticator verifies HS256-signed tokens.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates a JWT validator with an explicit secret.
func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret}
}

// Authenticate implements Authenticator. The token must be a valid HS256
// JWT whose subject equals userID; expiry and not-before claims are
// enforced by the parser.
func (a *JWTAuthenticator) Authenticate(_ context.Context, userID, token string) error {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return ErrInvalidCredentials
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub != userID {
		return ErrInvalidCredentials
	}
	return nil
}

// IssueToken signs a token for userID, mainly for tests and the chat CLI.
func (a *JWTAuthenticator) IssueToken(userID string, claims jwt.MapClaims) (string, error) {
	if claims == nil {
		claims = jwt.MapClaims{}
	}
	claims["sub"] = userID
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// StaticAuthenticator checks tokens against bcrypt hashes.
type StaticAuthenticator struct {
	users map[string]string
}

// NewStaticAuthenticator creates a static validator from user → hash pairs.
func NewStaticAuthenticator(users map[string]string) *StaticAuthenticator {
	return &StaticAuthenticator{users: users}
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(_ context.Context, userID, token string) error {
	hash, ok := a.users[userID]
	if !ok {
		// Burn comparable time for unknown users.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000uGZvlvZ9VC1qVUc/V9dHvnK0DP1eIoO"), []byte(token))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// HashToken produces a bcrypt hash suitable for auth.users entries.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing token: %w", err)
	}
	return string(hash), nil
}
