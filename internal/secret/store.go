package secret

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/org/keyvault/internal/cache"
	"github.com/org/keyvault/internal/crypto"
	"github.com/org/keyvault/internal/policy"
	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// versionRetries bounds how often a write recomputes max(version)+1
// after losing the race to a concurrent writer on the same (path, key).
const versionRetries = 3

// ChangeLog receives one record per successful mutation. Implementations
// must never fail the caller.
type ChangeLog interface {
	Record(entity models.EntityType, entityID string, op models.OperationType, payload any)
}

// Secret is a decrypted secret version as returned to callers.
type Secret struct {
	Path      string         `json:"path"`
	Key       string         `json:"key"`
	Version   int            `json:"version"`
	Value     string         `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Deleted   bool           `json:"deleted"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
	CreatedBy string         `json:"created_by,omitempty"`
	UpdatedBy string         `json:"updated_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Version describes one entry in a secret's version history. Values are
// not included; history is inspected by version number and fetched with
// a version-scoped Get.
type Version struct {
	Version   int        `json:"version"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedBy string     `json:"created_by,omitempty"`
	UpdatedBy string     `json:"updated_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store owns the versioned secret data model. Every operation takes the
// caller's resolved policy names; the store authorizes but never
// authenticates. Values are encrypted before they reach storage and the
// cache, and decrypted on the way out.
type Store struct {
	store    storage.Backend
	envelope *crypto.Envelope
	policy   *policy.Engine
	cache    cache.Cache
	changes  ChangeLog
}

// NewStore wires a Store from its collaborators.
func NewStore(store storage.Backend, envelope *crypto.Envelope, engine *policy.Engine, c cache.Cache, changes ChangeLog) *Store {
	return &Store{store: store, envelope: envelope, policy: engine, cache: c, changes: changes}
}

// Create stores version 1 of a new secret (or the next version when only
// deleted history remains at the address). A live version at (path, key)
// is a conflict.
func (s *Store) Create(ctx context.Context, path, key, value string, metadata map[string]any, creator string, policies []string) (*Secret, error) {
	if err := validateAddress(path, key); err != nil {
		return nil, err
	}
	if !s.policy.HasAccess(ctx, policies, path+"/"+key, models.ActionCreate) {
		return nil, ErrAccessDenied
	}

	exists, err := s.store.LiveSecretExists(ctx, path, key)
	if err != nil {
		return nil, fmt.Errorf("checking for existing secret: %w", err)
	}
	if exists {
		return nil, storage.ErrAlreadyExists
	}

	blob, err := s.envelope.Encrypt(value)
	if err != nil {
		return nil, fmt.Errorf("encrypting secret value: %w", err)
	}

	row := &models.SecretVersion{
		Path:           path,
		Key:            key,
		EncryptedValue: blob,
		Metadata:       metadata,
		CreatedBy:      creator,
		UpdatedBy:      creator,
	}
	if err := s.insertNextVersion(ctx, row); err != nil {
		return nil, err
	}

	s.cache.Clear(ctx)
	s.changes.Record(models.EntitySecret, row.FullPath(), models.OpCreate, row)
	log.Info().Str("path", path).Str("key", key).Int("version", row.Version).Msg("secret created")
	return s.decrypt(row)
}

// Update appends a new version carrying forward the original creator,
// and the previous metadata when metadata is nil. Returns the new
// version number, or 0 with no error if no live version exists.
func (s *Store) Update(ctx context.Context, path, key, value string, metadata map[string]any, updater string, policies []string) (int, error) {
	if err := validateAddress(path, key); err != nil {
		return 0, err
	}
	if !s.policy.HasAccess(ctx, policies, path+"/"+key, models.ActionUpdate) {
		return 0, ErrAccessDenied
	}

	current, err := s.store.GetLiveSecret(ctx, path, key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading current secret: %w", err)
	}

	blob, err := s.envelope.Encrypt(value)
	if err != nil {
		return 0, fmt.Errorf("encrypting secret value: %w", err)
	}
	if metadata == nil {
		metadata = current.Metadata
	}

	row := &models.SecretVersion{
		Path:           path,
		Key:            key,
		EncryptedValue: blob,
		Metadata:       metadata,
		CreatedBy:      current.CreatedBy,
		UpdatedBy:      updater,
	}
	if err := s.insertNextVersion(ctx, row); err != nil {
		return 0, err
	}

	s.cache.Clear(ctx)
	s.changes.Record(models.EntitySecret, row.FullPath(), models.OpUpdate, row)
	log.Info().Str("path", path).Str("key", key).Int("version", row.Version).Msg("secret updated")
	return row.Version, nil
}

// Get returns a decrypted secret. version 0 means the live latest;
// an explicit version returns that exact row even if soft-deleted, so
// history stays inspectable by version number. Returns (nil, nil) when
// nothing matches.
func (s *Store) Get(ctx context.Context, path, key string, version int, policies []string) (*Secret, error) {
	if err := validateAddress(path, key); err != nil {
		return nil, err
	}
	if !s.policy.HasAccess(ctx, policies, path+"/"+key, models.ActionRead) {
		return nil, ErrAccessDenied
	}

	ck := cacheKey(path, key, version)
	if data, ok := s.cache.Get(ctx, ck); ok {
		var row models.SecretVersion
		if err := json.Unmarshal(data, &row); err == nil {
			return s.decrypt(&row)
		}
		log.Warn().Str("key", ck).Msg("discarding undecodable cache entry")
	}

	var (
		row *models.SecretVersion
		err error
	)
	if version > 0 {
		row, err = s.store.GetSecretVersion(ctx, path, key, version)
	} else {
		row, err = s.store.GetLiveSecret(ctx, path, key)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading secret: %w", err)
	}

	if data, err := json.Marshal(row); err == nil {
		s.cache.Set(ctx, ck, data)
	}
	return s.decrypt(row)
}

// Delete soft-deletes every version of (path, key) with one timestamp.
// Returns false if no live version existed.
func (s *Store) Delete(ctx context.Context, path, key string, policies []string) (bool, error) {
	if err := validateAddress(path, key); err != nil {
		return false, err
	}
	if !s.policy.HasAccess(ctx, policies, path+"/"+key, models.ActionDelete) {
		return false, ErrAccessDenied
	}

	exists, err := s.store.LiveSecretExists(ctx, path, key)
	if err != nil {
		return false, fmt.Errorf("checking for existing secret: %w", err)
	}
	if !exists {
		return false, nil
	}

	at := time.Now().UTC()
	if _, err := s.store.MarkSecretDeleted(ctx, path, key, at); err != nil {
		return false, fmt.Errorf("deleting secret: %w", err)
	}

	s.cache.Clear(ctx)
	s.changes.Record(models.EntitySecret, path+"/"+key, models.OpDelete, &models.SecretVersion{
		Path: path, Key: key, Deleted: true, DeletedAt: &at,
	})
	log.Info().Str("path", path).Str("key", key).Msg("secret deleted")
	return true, nil
}

// DeleteVersion soft-deletes exactly one version. Returns false if the
// version does not exist or is already deleted.
func (s *Store) DeleteVersion(ctx context.Context, path, key string, version int, policies []string) (bool, error) {
	if err := validateAddress(path, key); err != nil {
		return false, err
	}
	if !s.policy.HasAccess(ctx, policies, path+"/"+key, models.ActionDelete) {
		return false, ErrAccessDenied
	}

	row, err := s.store.GetSecretVersion(ctx, path, key, version)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading secret version: %w", err)
	}
	if row.Deleted {
		return false, nil
	}

	at := time.Now().UTC()
	if err := s.store.SetVersionDeleted(ctx, path, key, version, true, &at); err != nil {
		return false, fmt.Errorf("deleting secret version: %w", err)
	}
	s.cache.Clear(ctx)
	s.changes.Record(models.EntitySecret, path+"/"+key, models.OpDelete, &models.SecretVersion{
		Path: path, Key: key, Version: version, Deleted: true, DeletedAt: &at,
	})
	return true, nil
}

// RestoreVersion clears the deleted flag on exactly one version.
// Restoring is modeled as a write, so it requires update authorization.
// Returns false if the version does not exist or is not deleted.
func (s *Store) RestoreVersion(ctx context.Context, path, key string, version int, policies []string) (bool, error) {
	if err := validateAddress(path, key); err != nil {
		return false, err
	}
	if !s.policy.HasAccess(ctx, policies, path+"/"+key, models.ActionUpdate) {
		return false, ErrAccessDenied
	}

	row, err := s.store.GetSecretVersion(ctx, path, key, version)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading secret version: %w", err)
	}
	if !row.Deleted {
		return false, nil
	}

	if err := s.store.SetVersionDeleted(ctx, path, key, version, false, nil); err != nil {
		return false, fmt.Errorf("restoring secret version: %w", err)
	}
	row.Deleted = false
	row.DeletedAt = nil
	s.cache.Clear(ctx)
	s.changes.Record(models.EntitySecret, path+"/"+key, models.OpUpdate, row)
	log.Info().Str("path", path).Str("key", key).Int("version", version).Msg("secret version restored")
	return true, nil
}

// List returns the full paths of live-latest secrets under path: its
// direct children, or every descendant when recursive. Sorted
// lexicographically.
func (s *Store) List(ctx context.Context, path string, recursive bool, policies []string) ([]string, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if !s.policy.HasAccess(ctx, policies, path+"/*", models.ActionList) {
		return nil, ErrAccessDenied
	}

	rows, err := s.store.ListLiveSecrets(ctx, path, recursive)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.FullPath())
	}
	sort.Strings(out)
	return out, nil
}

// ListPaths returns the distinct live paths under prefix, sorted.
func (s *Store) ListPaths(ctx context.Context, prefix string, policies []string) ([]string, error) {
	if err := validatePath(prefix); err != nil {
		return nil, err
	}
	if !s.policy.HasAccess(ctx, policies, prefix+"/*", models.ActionList) {
		return nil, ErrAccessDenied
	}

	paths, err := s.store.ListSecretPaths(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing secret paths: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// ListVersions returns the full version history of (path, key),
// soft-deleted entries included, descending by version.
func (s *Store) ListVersions(ctx context.Context, path, key string, policies []string) ([]*Version, error) {
	if err := validateAddress(path, key); err != nil {
		return nil, err
	}
	if !s.policy.HasAccess(ctx, policies, path+"/"+key, models.ActionRead) {
		return nil, ErrAccessDenied
	}

	rows, err := s.store.ListSecretVersions(ctx, path, key)
	if err != nil {
		return nil, fmt.Errorf("listing secret versions: %w", err)
	}
	return versionHistory(rows), nil
}

// VersionInfo summarizes the version history of (path, key). Returns
// (nil, nil) when no versions exist at all.
func (s *Store) VersionInfo(ctx context.Context, path, key string, policies []string) (*models.VersionStats, error) {
	if err := validateAddress(path, key); err != nil {
		return nil, err
	}
	if !s.policy.HasAccess(ctx, policies, path+"/"+key, models.ActionRead) {
		return nil, ErrAccessDenied
	}

	stats, err := s.store.SecretVersionStats(ctx, path, key)
	if err != nil {
		return nil, fmt.Errorf("loading version stats: %w", err)
	}
	if stats.TotalVersions == 0 {
		return nil, nil
	}
	return stats, nil
}

// VersionRange returns history entries with start <= version <= end,
// descending. A bound of 0 is open; start > end is ErrInvalidRange.
func (s *Store) VersionRange(ctx context.Context, path, key string, start, end int, policies []string) ([]*Version, error) {
	if err := validateAddress(path, key); err != nil {
		return nil, err
	}
	if start > 0 && end > 0 && start > end {
		return nil, ErrInvalidRange
	}
	if !s.policy.HasAccess(ctx, policies, path+"/"+key, models.ActionRead) {
		return nil, ErrAccessDenied
	}

	if start <= 0 {
		start = 1
	}
	if end <= 0 {
		end = math.MaxInt32
	}
	rows, err := s.store.SecretVersionRange(ctx, path, key, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading version range: %w", err)
	}
	return versionHistory(rows), nil
}

// insertNextVersion assigns max(version)+1 and inserts. The unique
// (path, key, version) constraint turns a concurrent-writer race into
// ErrVersionConflict, which is retried with a fresh increment.
func (s *Store) insertNextVersion(ctx context.Context, row *models.SecretVersion) error {
	for attempt := 0; attempt <= versionRetries; attempt++ {
		max, err := s.store.MaxSecretVersion(ctx, row.Path, row.Key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("computing next version: %w", err)
		}
		now := time.Now().UTC()
		row.Version = max + 1
		row.CreatedAt = now
		row.UpdatedAt = now

		err = s.store.InsertSecretVersion(ctx, row)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("persisting secret version: %w", err)
		}
		log.Debug().Str("path", row.Path).Str("key", row.Key).Int("version", row.Version).
			Msg("version conflict, retrying increment")
	}
	return fmt.Errorf("persisting secret %s: %w", row.FullPath(), storage.ErrVersionConflict)
}

func (s *Store) decrypt(row *models.SecretVersion) (*Secret, error) {
	value, err := s.envelope.Decrypt(row.EncryptedValue)
	if err != nil {
		return nil, fmt.Errorf("decrypting secret %s: %w", row.FullPath(), err)
	}
	return &Secret{
		Path:      row.Path,
		Key:       row.Key,
		Version:   row.Version,
		Value:     value,
		Metadata:  row.Metadata,
		Deleted:   row.Deleted,
		DeletedAt: row.DeletedAt,
		CreatedBy: row.CreatedBy,
		UpdatedBy: row.UpdatedBy,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func versionHistory(rows []*models.SecretVersion) []*Version {
	out := make([]*Version, 0, len(rows))
	for _, r := range rows {
		out = append(out, &Version{
			Version:   r.Version,
			Deleted:   r.Deleted,
			DeletedAt: r.DeletedAt,
			CreatedBy: r.CreatedBy,
			UpdatedBy: r.UpdatedBy,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return out
}

func cacheKey(path, key string, version int) string {
	if version > 0 {
		return fmt.Sprintf("%s/%s@%d", path, key, version)
	}
	return path + "/" + key + "@latest"
}

// validatePath enforces the path syntax: non-empty, slash-separated,
// no leading or trailing slash, no empty or ".." segments.
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: path must not be empty", ErrInvalidPath)
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: path must not start or end with '/'", ErrInvalidPath)
	}
	if strings.Contains(path, "//") {
		return fmt.Errorf("%w: path must not contain empty segments", ErrInvalidPath)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%w: path must not contain '..'", ErrInvalidPath)
	}
	return nil
}

func validateAddress(path, key string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidPath)
	}
	if strings.Contains(key, "/") {
		return fmt.Errorf("%w: key must not contain '/'", ErrInvalidPath)
	}
	return nil
}
