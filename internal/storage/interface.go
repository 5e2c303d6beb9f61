package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/keyvault/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrVersionConflict is returned when an insert collides with the unique
// (path, key, version) constraint. Callers retry the version increment.
var ErrVersionConflict = errors.New("version conflict")

// Backend defines the persistence interface for keyvault.
type Backend interface {
	// Secret versions
	InsertSecretVersion(ctx context.Context, v *models.SecretVersion) error
	UpsertSecretVersion(ctx context.Context, v *models.SecretVersion) error
	GetLiveSecret(ctx context.Context, path, key string) (*models.SecretVersion, error)
	GetSecretVersion(ctx context.Context, path, key string, version int) (*models.SecretVersion, error)
	LiveSecretExists(ctx context.Context, path, key string) (bool, error)
	MaxSecretVersion(ctx context.Context, path, key string) (int, error)
	ListLiveSecrets(ctx context.Context, path string, recursive bool) ([]*models.SecretVersion, error)
	ListSecretPaths(ctx context.Context, prefix string) ([]string, error)
	ListSecretVersions(ctx context.Context, path, key string) ([]*models.SecretVersion, error)
	SecretVersionStats(ctx context.Context, path, key string) (*models.VersionStats, error)
	SecretVersionRange(ctx context.Context, path, key string, start, end int) ([]*models.SecretVersion, error)
	MarkSecretDeleted(ctx context.Context, path, key string, at time.Time) (int64, error)
	SetVersionDeleted(ctx context.Context, path, key string, version int, deleted bool, at *time.Time) error
	CountSecrets(ctx context.Context) (int64, error)

	// Policies
	UpsertPolicy(ctx context.Context, policy *models.Policy) error
	GetPolicy(ctx context.Context, name string) (*models.Policy, error)
	DeletePolicy(ctx context.Context, name string) error
	ListPolicies(ctx context.Context) ([]string, error)

	// Identities
	UpsertIdentity(ctx context.Context, id *models.Identity) error
	GetIdentity(ctx context.Context, name string) (*models.Identity, error)
	DeleteIdentity(ctx context.Context, name string) error
	CountIdentities(ctx context.Context) (int64, error)
	TouchIdentityLogin(ctx context.Context, name string, at time.Time) error

	// Tokens
	WriteToken(ctx context.Context, token *models.Token, tokenHash string) error
	GetToken(ctx context.Context, tokenHash string) (*models.Token, error)
	RevokeToken(ctx context.Context, tokenID string) error

	// Replication events
	InsertReplicationEvent(ctx context.Context, e *models.ReplicationEvent) error
	UnprocessedEventsFromOthers(ctx context.Context, instanceID string) ([]*models.ReplicationEvent, error)
	MarkEventProcessed(ctx context.Context, eventID int64) error
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountUnprocessedEvents(ctx context.Context) (int64, error)

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Path   string
	Since  *time.Time
	Limit  int
	Offset int
}
