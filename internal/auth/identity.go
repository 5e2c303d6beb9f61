package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// ChangeLog receives one record per successful identity mutation.
type ChangeLog interface {
	Record(entity models.EntityType, entityID string, op models.OperationType, payload any)
}

// IdentityService administers identities: the users and service
// accounts that can log in, and the policies attached to them.
type IdentityService struct {
	store   storage.Backend
	changes ChangeLog
}

// NewIdentityService wires an IdentityService.
func NewIdentityService(store storage.Backend, changes ChangeLog) *IdentityService {
	return &IdentityService{store: store, changes: changes}
}

// Create registers a new enabled identity with a bcrypt-hashed password.
func (s *IdentityService) Create(ctx context.Context, name, password string, typ models.IdentityType, policies []string) (*models.Identity, error) {
	if name == "" || password == "" {
		return nil, errors.New("name and password must not be empty")
	}
	if _, err := s.store.GetIdentity(ctx, name); err == nil {
		return nil, storage.ErrAlreadyExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("checking for existing identity: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}
	ident := &models.Identity{
		Name:         name,
		PasswordHash: string(hash),
		Type:         typ,
		Enabled:      true,
		Policies:     policies,
	}
	if err := s.store.UpsertIdentity(ctx, ident); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}
	s.changes.Record(models.EntityIdentity, ident.Name, models.OpCreate, ident.Event())
	log.Info().Str("identity", name).Str("type", string(typ)).Msg("identity created")
	return ident, nil
}

// Update changes an identity's policy list and enabled flag. Nil
// arguments keep the current value. Returns (nil, nil) if the identity
// does not exist.
func (s *IdentityService) Update(ctx context.Context, name string, policies []string, enabled *bool) (*models.Identity, error) {
	ident, err := s.store.GetIdentity(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	if policies != nil {
		ident.Policies = policies
	}
	if enabled != nil {
		ident.Enabled = *enabled
	}
	if err := s.store.UpsertIdentity(ctx, ident); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}
	s.changes.Record(models.EntityIdentity, ident.Name, models.OpUpdate, ident.Event())
	return ident, nil
}

// Delete removes an identity. Returns false if it did not exist.
func (s *IdentityService) Delete(ctx context.Context, name string) (bool, error) {
	if _, err := s.store.GetIdentity(ctx, name); errors.Is(err, storage.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("loading identity: %w", err)
	}
	if err := s.store.DeleteIdentity(ctx, name); err != nil {
		return false, fmt.Errorf("deleting identity: %w", err)
	}
	s.changes.Record(models.EntityIdentity, name, models.OpDelete, &models.IdentityEvent{Name: name})
	log.Info().Str("identity", name).Msg("identity deleted")
	return true, nil
}

// Get returns an identity, or (nil, nil) if absent.
func (s *IdentityService) Get(ctx context.Context, name string) (*models.Identity, error) {
	ident, err := s.store.GetIdentity(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	return ident, nil
}

// Bootstrap creates the initial admin identity when the store holds no
// identities at all. Returns true if it created one. Safe to call on
// every startup.
func (s *IdentityService) Bootstrap(ctx context.Context, adminPassword string) (bool, error) {
	count, err := s.store.CountIdentities(ctx)
	if err != nil {
		return false, fmt.Errorf("counting identities: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	if adminPassword == "" {
		return false, errors.New("admin password required for first startup")
	}

	// The admin policy name is special-cased by the policy engine; the
	// stored document exists so the policy list endpoints show it.
	now := time.Now().UTC()
	if err := s.store.UpsertPolicy(ctx, &models.Policy{
		Name:        models.AdminPolicy,
		Description: "full access to every path and operation",
		Rules:       []string{"*:*"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return false, fmt.Errorf("creating admin policy: %w", err)
	}
	if _, err := s.Create(ctx, "admin", adminPassword, models.IdentityUser, []string{models.AdminPolicy}); err != nil {
		return false, fmt.Errorf("creating admin identity: %w", err)
	}
	log.Info().Msg("bootstrapped initial admin identity")
	return true, nil
}
