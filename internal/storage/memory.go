package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/org/keyvault/pkg/models"
)

// MemoryBackend is an in-memory Backend used by tests and dev mode.
// It mirrors the PostgresBackend semantics, including the unique
// (path, key, version) constraint.
type MemoryBackend struct {
	mu         sync.RWMutex
	nextID     int64
	secrets    []*models.SecretVersion
	policies   map[string]*models.Policy
	identities map[string]*models.Identity
	tokens     map[string]*tokenRow // keyed by token hash
	events     []*models.ReplicationEvent
	audit      []*models.AuditEntry
}

type tokenRow struct {
	token *models.Token
	hash  string
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		policies:   map[string]*models.Policy{},
		identities: map[string]*models.Identity{},
		tokens:     map[string]*tokenRow{},
	}
}

func (m *MemoryBackend) Close() {}

// --- Secret versions ---

func (m *MemoryBackend) InsertSecretVersion(_ context.Context, v *models.SecretVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.secrets {
		if s.Path == v.Path && s.Key == v.Key && s.Version == v.Version {
			return ErrVersionConflict
		}
	}
	m.nextID++
	v.ID = m.nextID
	clone := *v
	m.secrets = append(m.secrets, &clone)
	return nil
}

func (m *MemoryBackend) UpsertSecretVersion(_ context.Context, v *models.SecretVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.secrets {
		if s.Path == v.Path && s.Key == v.Key && s.Version == v.Version {
			clone := *v
			clone.ID = s.ID
			m.secrets[i] = &clone
			return nil
		}
	}
	m.nextID++
	v.ID = m.nextID
	clone := *v
	m.secrets = append(m.secrets, &clone)
	return nil
}

func (m *MemoryBackend) GetLiveSecret(_ context.Context, path, key string) (*models.SecretVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.SecretVersion
	for _, s := range m.secrets {
		if s.Path == path && s.Key == key && !s.Deleted {
			if best == nil || s.Version > best.Version {
				best = s
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	clone := *best
	return &clone, nil
}

func (m *MemoryBackend) GetSecretVersion(_ context.Context, path, key string, version int) (*models.SecretVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.secrets {
		if s.Path == path && s.Key == key && s.Version == version {
			clone := *s
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) LiveSecretExists(ctx context.Context, path, key string) (bool, error) {
	_, err := m.GetLiveSecret(ctx, path, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *MemoryBackend) MaxSecretVersion(_ context.Context, path, key string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	maxVer := 0
	for _, s := range m.secrets {
		if s.Path == path && s.Key == key && s.Version > maxVer {
			maxVer = s.Version
		}
	}
	return maxVer, nil
}

func (m *MemoryBackend) ListLiveSecrets(_ context.Context, path string, recursive bool) ([]*models.SecretVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := map[string]*models.SecretVersion{}
	for _, s := range m.secrets {
		if s.Deleted {
			continue
		}
		if recursive {
			if !strings.HasPrefix(s.Path, path) {
				continue
			}
		} else if s.Path != path {
			continue
		}
		id := s.Path + "/" + s.Key
		if cur, ok := latest[id]; !ok || s.Version > cur.Version {
			latest[id] = s
		}
	}
	out := make([]*models.SecretVersion, 0, len(latest))
	for _, s := range latest {
		clone := *s
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *MemoryBackend) ListSecretPaths(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	for _, s := range m.secrets {
		if !s.Deleted && strings.HasPrefix(s.Path, prefix) {
			seen[s.Path] = true
		}
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *MemoryBackend) ListSecretVersions(_ context.Context, path, key string) ([]*models.SecretVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SecretVersion
	for _, s := range m.secrets {
		if s.Path == path && s.Key == key {
			clone := *s
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *MemoryBackend) SecretVersionStats(_ context.Context, path, key string) (*models.VersionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &models.VersionStats{Path: path + "/" + key}
	for _, s := range m.secrets {
		if s.Path != path || s.Key != key {
			continue
		}
		stats.TotalVersions++
		if stats.EarliestVersion == 0 || s.Version < stats.EarliestVersion {
			stats.EarliestVersion = s.Version
		}
		if s.Version > stats.LatestVersion {
			stats.LatestVersion = s.Version
		}
	}
	return stats, nil
}

func (m *MemoryBackend) SecretVersionRange(_ context.Context, path, key string, start, end int) ([]*models.SecretVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SecretVersion
	for _, s := range m.secrets {
		if s.Path == path && s.Key == key && s.Version >= start && s.Version <= end {
			clone := *s
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (m *MemoryBackend) MarkSecretDeleted(_ context.Context, path, key string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.secrets {
		if s.Path == path && s.Key == key && !s.Deleted {
			s.Deleted = true
			t := at
			s.DeletedAt = &t
			s.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) SetVersionDeleted(_ context.Context, path, key string, version int, deleted bool, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.secrets {
		if s.Path == path && s.Key == key && s.Version == version {
			s.Deleted = deleted
			s.DeletedAt = at
			s.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryBackend) CountSecrets(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	for _, s := range m.secrets {
		if !s.Deleted {
			seen[s.Path+"/"+s.Key] = true
		}
	}
	return int64(len(seen)), nil
}

// --- Policies ---

func (m *MemoryBackend) UpsertPolicy(_ context.Context, policy *models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *policy
	if existing, ok := m.policies[policy.Name]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	clone.UpdatedAt = time.Now().UTC()
	m.policies[policy.Name] = &clone
	return nil
}

func (m *MemoryBackend) GetPolicy(_ context.Context, name string) (*models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[name]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *MemoryBackend) DeletePolicy(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[name]; !ok {
		return ErrNotFound
	}
	delete(m.policies, name)
	return nil
}

func (m *MemoryBackend) ListPolicies(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.policies))
	for n := range m.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// --- Identities ---

func (m *MemoryBackend) UpsertIdentity(_ context.Context, id *models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *id
	if existing, ok := m.identities[id.Name]; ok {
		clone.ID = existing.ID
		clone.CreatedAt = existing.CreatedAt
	} else {
		m.nextID++
		clone.ID = m.nextID
		clone.CreatedAt = time.Now().UTC()
	}
	clone.UpdatedAt = time.Now().UTC()
	m.identities[id.Name] = &clone
	id.ID = clone.ID
	return nil
}

func (m *MemoryBackend) GetIdentity(_ context.Context, name string) (*models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.identities[name]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *ident
	return &clone, nil
}

func (m *MemoryBackend) DeleteIdentity(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.identities, name)
	return nil
}

func (m *MemoryBackend) CountIdentities(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.identities)), nil
}

func (m *MemoryBackend) TouchIdentityLogin(_ context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ident, ok := m.identities[name]; ok {
		t := at
		ident.LastLoginAt = &t
	}
	return nil
}

// --- Tokens ---

func (m *MemoryBackend) WriteToken(_ context.Context, token *models.Token, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *token
	m.tokens[tokenHash] = &tokenRow{token: &clone, hash: tokenHash}
	return nil
}

func (m *MemoryBackend) GetToken(_ context.Context, tokenHash string) (*models.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.tokens[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *row.token
	return &clone, nil
}

func (m *MemoryBackend) RevokeToken(_ context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, row := range m.tokens {
		if row.token.ID == tokenID && row.token.RevokedAt == nil {
			row.token.RevokedAt = &now
		}
	}
	return nil
}

// --- Replication events ---

func (m *MemoryBackend) InsertReplicationEvent(_ context.Context, e *models.ReplicationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	clone := *e
	m.events = append(m.events, &clone)
	return nil
}

func (m *MemoryBackend) UnprocessedEventsFromOthers(_ context.Context, instanceID string) ([]*models.ReplicationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ReplicationEvent
	for _, e := range m.events {
		if !e.Processed && e.SourceInstance != instanceID {
			clone := *e
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryBackend) MarkEventProcessed(_ context.Context, eventID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == eventID {
			e.Processed = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryBackend) PurgeEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var purged int64
	for _, e := range m.events {
		if e.Timestamp.Before(cutoff) {
			purged++
		} else {
			kept = append(kept, e)
		}
	}
	m.events = kept
	return purged, nil
}

func (m *MemoryBackend) CountUnprocessedEvents(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, e := range m.events {
		if !e.Processed {
			count++
		}
	}
	return count, nil
}

// --- Audit ---

func (m *MemoryBackend) WriteAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	entry.ID = m.nextID
	clone := *entry
	m.audit = append(m.audit, &clone)
	return nil
}

func (m *MemoryBackend) QueryAuditLog(_ context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Path != "" && !strings.HasPrefix(e.Path, filter.Path) {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
