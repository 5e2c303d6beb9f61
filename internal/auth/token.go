package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const tokenPrefix = "kvt_"

// ErrInvalidCredentials is returned for unknown identities and wrong
// passwords alike, so login failures don't leak which one it was.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrIdentityDisabled is returned when the identity exists but is disabled.
var ErrIdentityDisabled = errors.New("identity disabled")

// ErrInvalidToken is returned for unknown, expired, or revoked tokens.
var ErrInvalidToken = errors.New("invalid token")

// TokenService authenticates identities and issues opaque bearer
// tokens. Only the SHA-256 hash of a token is persisted; the plaintext
// is shown once at login.
type TokenService struct {
	store storage.Backend
	ttl   time.Duration
}

// NewTokenService creates a TokenService issuing tokens with the given TTL.
func NewTokenService(store storage.Backend, ttl time.Duration) *TokenService {
	return &TokenService{store: store, ttl: ttl}
}

// Login verifies name/password and issues a token carrying the
// identity's policy names. Returns the token model and the plaintext
// token string.
func (s *TokenService) Login(ctx context.Context, name, password string) (*models.Token, string, error) {
	ident, err := s.store.GetIdentity(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", ErrInvalidCredentials
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading identity: %w", err)
	}
	if !ident.Enabled {
		return nil, "", ErrIdentityDisabled
	}
	if bcrypt.CompareHashAndPassword([]byte(ident.PasswordHash), []byte(password)) != nil {
		return nil, "", ErrInvalidCredentials
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating token: %w", err)
	}
	plaintext := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().UTC()
	t := &models.Token{
		ID:        uuid.NewString(),
		Subject:   ident.Name,
		Type:      ident.Type,
		Policies:  ident.Policies,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.WriteToken(ctx, t, hashToken(plaintext)); err != nil {
		return nil, "", fmt.Errorf("persisting token: %w", err)
	}
	if err := s.store.TouchIdentityLogin(ctx, ident.Name, now); err != nil {
		log.Warn().Err(err).Str("identity", ident.Name).Msg("failed to record login time")
	}
	log.Info().Str("identity", ident.Name).Str("token", t.ID).Msg("login succeeded")
	return t, plaintext, nil
}

// Validate resolves a plaintext bearer token to its claims. Unknown,
// revoked, and expired tokens all come back as ErrInvalidToken.
func (s *TokenService) Validate(ctx context.Context, plaintext string) (*models.Token, error) {
	t, err := s.store.GetToken(ctx, hashToken(plaintext))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}
	if t.IsRevoked() || t.IsExpired() {
		return nil, ErrInvalidToken
	}
	return t, nil
}

// Revoke invalidates a token by id.
func (s *TokenService) Revoke(ctx context.Context, tokenID string) error {
	return s.store.RevokeToken(ctx, tokenID)
}

func hashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
