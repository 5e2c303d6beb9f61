package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopChanges struct{}

func (noopChanges) Record(models.EntityType, string, models.OperationType, any) {}

func seedIdentity(t *testing.T, store storage.Backend, name, password string, policies []string) {
	t.Helper()
	svc := NewIdentityService(store, noopChanges{})
	_, err := svc.Create(context.Background(), name, password, models.IdentityUser, policies)
	require.NoError(t, err)
}

func TestLoginIssuesValidToken(t *testing.T) {
	store := storage.NewMemoryBackend()
	seedIdentity(t, store, "alice", "hunter2", []string{"reader"})
	svc := NewTokenService(store, time.Hour)
	ctx := context.Background()

	tok, plaintext, err := svc.Login(ctx, "alice", "hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, "kvt_"))
	assert.Equal(t, "alice", tok.Subject)
	assert.Equal(t, []string{"reader"}, tok.Policies)

	got, err := svc.Validate(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)

	ident, err := store.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.NotNil(t, ident.LastLoginAt)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	store := storage.NewMemoryBackend()
	seedIdentity(t, store, "alice", "hunter2", nil)
	svc := NewTokenService(store, time.Hour)
	ctx := context.Background()

	_, _, err := svc.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Unknown identity looks the same as a wrong password.
	_, _, err = svc.Login(ctx, "nobody", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginRejectsDisabledIdentity(t *testing.T) {
	store := storage.NewMemoryBackend()
	seedIdentity(t, store, "alice", "hunter2", nil)
	ctx := context.Background()

	disabled := false
	idSvc := NewIdentityService(store, noopChanges{})
	_, err := idSvc.Update(ctx, "alice", nil, &disabled)
	require.NoError(t, err)

	svc := NewTokenService(store, time.Hour)
	_, _, err = svc.Login(ctx, "alice", "hunter2")
	assert.ErrorIs(t, err, ErrIdentityDisabled)
}

func TestValidateRejectsBadTokens(t *testing.T) {
	store := storage.NewMemoryBackend()
	seedIdentity(t, store, "alice", "hunter2", nil)
	ctx := context.Background()

	_, err := NewTokenService(store, time.Hour).Validate(ctx, "kvt_garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Expired.
	expiring := NewTokenService(store, -time.Minute)
	_, plaintext, err := expiring.Login(ctx, "alice", "hunter2")
	require.NoError(t, err)
	_, err = expiring.Validate(ctx, plaintext)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Revoked.
	svc := NewTokenService(store, time.Hour)
	tok, plaintext, err := svc.Login(ctx, "alice", "hunter2")
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, tok.ID))
	_, err = svc.Validate(ctx, plaintext)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type payloadRecorder struct {
	payloads []any
}

func (r *payloadRecorder) Record(_ models.EntityType, _ string, _ models.OperationType, payload any) {
	r.payloads = append(r.payloads, payload)
}

func TestIdentityMutationsRecordCredential(t *testing.T) {
	store := storage.NewMemoryBackend()
	rec := &payloadRecorder{}
	svc := NewIdentityService(store, rec)
	ctx := context.Background()

	_, err := svc.Create(ctx, "alice", "hunter2", models.IdentityUser, []string{"reader"})
	require.NoError(t, err)
	_, err = svc.Update(ctx, "alice", []string{"writer"}, nil)
	require.NoError(t, err)

	require.Len(t, rec.payloads, 2)
	for _, p := range rec.payloads {
		ev, ok := p.(*models.IdentityEvent)
		require.True(t, ok)
		// Other instances authenticate logins from this payload, so the
		// hash has to ride along even though the API shape drops it.
		assert.NotEmpty(t, ev.PasswordHash)
	}
}

func TestBootstrap(t *testing.T) {
	store := storage.NewMemoryBackend()
	svc := NewIdentityService(store, noopChanges{})
	ctx := context.Background()

	created, err := svc.Bootstrap(ctx, "initial-admin-pw")
	require.NoError(t, err)
	assert.True(t, created)

	// Second startup is a no-op.
	created, err = svc.Bootstrap(ctx, "other")
	require.NoError(t, err)
	assert.False(t, created)

	ident, err := svc.Get(ctx, "admin")
	require.NoError(t, err)
	require.NotNil(t, ident)
	assert.Equal(t, []string{models.AdminPolicy}, ident.Policies)

	pol, err := store.GetPolicy(ctx, models.AdminPolicy)
	require.NoError(t, err)
	assert.Equal(t, []string{"*:*"}, pol.Rules)
}
