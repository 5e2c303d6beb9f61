package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// ChangeLog records mutations for asynchronous replication.
type ChangeLog interface {
	Record(entity models.EntityType, entityID string, op models.OperationType, payload any)
}

// Service manages policy documents. Mutations are recorded in the
// replication change log so other instances pick them up.
type Service struct {
	store   storage.Backend
	changes ChangeLog
}

// NewService creates a policy Service.
func NewService(store storage.Backend, changes ChangeLog) *Service {
	return &Service{store: store, changes: changes}
}

// Create stores a new named policy. Fails if the name is taken.
func (s *Service) Create(ctx context.Context, name, description string, rules []string) (*models.Policy, error) {
	if _, err := s.store.GetPolicy(ctx, name); err == nil {
		return nil, fmt.Errorf("policy %q: %w", name, storage.ErrAlreadyExists)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	pol := &models.Policy{Name: name, Description: description, Rules: rules}
	if err := s.store.UpsertPolicy(ctx, pol); err != nil {
		return nil, fmt.Errorf("storing policy: %w", err)
	}
	log.Info().Str("policy", name).Msg("created policy")
	s.changes.Record(models.EntityPolicy, name, models.OpCreate, pol)
	return pol, nil
}

// Update modifies an existing policy. Nil description/rules keep the
// current values. Returns (nil, nil) if the policy does not exist.
func (s *Service) Update(ctx context.Context, name string, description *string, rules []string) (*models.Policy, error) {
	pol, err := s.store.GetPolicy(ctx, name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if description != nil {
		pol.Description = *description
	}
	if rules != nil {
		pol.Rules = rules
	}
	if err := s.store.UpsertPolicy(ctx, pol); err != nil {
		return nil, fmt.Errorf("storing policy: %w", err)
	}
	log.Info().Str("policy", name).Msg("updated policy")
	s.changes.Record(models.EntityPolicy, name, models.OpUpdate, pol)
	return pol, nil
}

// Delete removes a policy. The built-in admin policy cannot be deleted.
// Returns false if the policy does not exist.
func (s *Service) Delete(ctx context.Context, name string) (bool, error) {
	if name == models.AdminPolicy {
		return false, errors.New("cannot delete built-in admin policy")
	}
	if err := s.store.DeletePolicy(ctx, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	log.Info().Str("policy", name).Msg("deleted policy")
	s.changes.Record(models.EntityPolicy, name, models.OpDelete, &models.Policy{Name: name})
	return true, nil
}

// Get returns one policy, or (nil, nil) if absent.
func (s *Service) Get(ctx context.Context, name string) (*models.Policy, error) {
	pol, err := s.store.GetPolicy(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return pol, err
}

// List returns all policy names, sorted.
func (s *Service) List(ctx context.Context) ([]string, error) {
	return s.store.ListPolicies(ctx)
}
