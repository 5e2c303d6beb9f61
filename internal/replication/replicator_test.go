package replication

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerRecordsTaggedEvents(t *testing.T) {
	store := storage.NewMemoryBackend()
	logger := NewLogger(store, "instance-a", true)

	logger.Record(models.EntitySecret, "app/db/password", models.OpCreate, &models.SecretVersion{
		Path: "app/db", Key: "password", Version: 1,
	})
	logger.Close()

	events, err := store.UnprocessedEventsFromOthers(context.Background(), "instance-b")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "instance-a", events[0].SourceInstance)
	assert.Equal(t, models.EntitySecret, events[0].EntityType)
	assert.Equal(t, models.OpCreate, events[0].Operation)
	assert.False(t, events[0].Processed)
}

func TestLoggerDisabled(t *testing.T) {
	store := storage.NewMemoryBackend()
	logger := NewLogger(store, "instance-a", false)

	logger.Record(models.EntitySecret, "app/db/password", models.OpCreate, struct{}{})
	logger.Close()

	count, err := store.CountUnprocessedEvents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDrainSkipsOwnEvents(t *testing.T) {
	store := storage.NewMemoryBackend()
	ctx := context.Background()

	logger := NewLogger(store, "instance-a", true)
	logger.Record(models.EntitySecret, "app/db/password", models.OpCreate, &models.SecretVersion{
		Path: "app/db", Key: "password", Version: 1, EncryptedValue: "blob",
	})
	logger.Close()

	rep := NewReplicator(store, "instance-a", 7*24*time.Hour)
	require.NoError(t, rep.Drain(ctx))

	// The local instance must never process its own events.
	count, err := store.CountUnprocessedEvents(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// Another instance does.
	other := NewReplicator(store, "instance-b", 7*24*time.Hour)
	require.NoError(t, other.Drain(ctx))
	count, err = store.CountUnprocessedEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDrainAppliesSecretEvents(t *testing.T) {
	store := storage.NewMemoryBackend()
	ctx := context.Background()

	row := &models.SecretVersion{
		Path: "app/db", Key: "password", Version: 2,
		EncryptedValue: "remote-blob",
		CreatedAt:      time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	insertEvent(t, store, models.EntitySecret, models.OpUpdate, row, "instance-b")

	rep := NewReplicator(store, "instance-a", 7*24*time.Hour)
	require.NoError(t, rep.Drain(ctx))

	got, err := store.GetSecretVersion(ctx, "app/db", "password", 2)
	require.NoError(t, err)
	assert.Equal(t, "remote-blob", got.EncryptedValue)
}

func TestDrainAppliesDeleteEvents(t *testing.T) {
	store := storage.NewMemoryBackend()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.InsertSecretVersion(ctx, &models.SecretVersion{
		Path: "app/db", Key: "password", Version: 1, EncryptedValue: "blob",
		CreatedAt: now, UpdatedAt: now,
	}))

	insertEvent(t, store, models.EntitySecret, models.OpDelete,
		&models.SecretVersion{Path: "app/db", Key: "password"}, "instance-b")

	rep := NewReplicator(store, "instance-a", 7*24*time.Hour)
	require.NoError(t, rep.Drain(ctx))

	got, err := store.GetSecretVersion(ctx, "app/db", "password", 1)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestDrainAppliesPolicyAndIdentityEvents(t *testing.T) {
	store := storage.NewMemoryBackend()
	ctx := context.Background()

	insertEvent(t, store, models.EntityPolicy, models.OpCreate,
		&models.Policy{Name: "readers", Rules: []string{"read:secret/*"}}, "instance-b")
	insertEvent(t, store, models.EntityIdentity, models.OpCreate,
		&models.IdentityEvent{
			Name: "svc-deploy", PasswordHash: "$2a$10$remotehash",
			Type: models.IdentityService, Enabled: true,
		}, "instance-b")

	rep := NewReplicator(store, "instance-a", 7*24*time.Hour)
	require.NoError(t, rep.Drain(ctx))

	pol, err := store.GetPolicy(ctx, "readers")
	require.NoError(t, err)
	assert.Equal(t, []string{"read:secret/*"}, pol.Rules)

	// The replicated identity must be able to log in here, so the
	// credential has to survive the trip.
	ident, err := store.GetIdentity(ctx, "svc-deploy")
	require.NoError(t, err)
	assert.Equal(t, models.IdentityService, ident.Type)
	assert.Equal(t, "$2a$10$remotehash", ident.PasswordHash)
}

func TestDrainAppliesVersionDeleteEvents(t *testing.T) {
	store := storage.NewMemoryBackend()
	ctx := context.Background()
	now := time.Now().UTC()

	for v := 1; v <= 2; v++ {
		require.NoError(t, store.InsertSecretVersion(ctx, &models.SecretVersion{
			Path: "app/db", Key: "password", Version: v, EncryptedValue: "blob",
			CreatedAt: now, UpdatedAt: now,
		}))
	}

	insertEvent(t, store, models.EntitySecret, models.OpDelete,
		&models.SecretVersion{
			Path: "app/db", Key: "password", Version: 1, Deleted: true, DeletedAt: &now,
		}, "instance-b")

	rep := NewReplicator(store, "instance-a", 7*24*time.Hour)
	require.NoError(t, rep.Drain(ctx))

	v1, err := store.GetSecretVersion(ctx, "app/db", "password", 1)
	require.NoError(t, err)
	assert.True(t, v1.Deleted)

	// Version 2 was never deleted at the source; it must stay live here.
	v2, err := store.GetSecretVersion(ctx, "app/db", "password", 2)
	require.NoError(t, err)
	assert.False(t, v2.Deleted)
}

func TestDrainKeepsPasswordHashOnEmptyEvent(t *testing.T) {
	store := storage.NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, store.UpsertIdentity(ctx, &models.Identity{
		Name: "alice", PasswordHash: "$2a$10$localhash",
		Type: models.IdentityUser, Enabled: true,
	}))

	insertEvent(t, store, models.EntityIdentity, models.OpUpdate,
		&models.IdentityEvent{
			Name: "alice", Type: models.IdentityUser, Enabled: true,
			Policies: []string{"readers"},
		}, "instance-b")

	rep := NewReplicator(store, "instance-a", 7*24*time.Hour)
	require.NoError(t, rep.Drain(ctx))

	got, err := store.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"readers"}, got.Policies)
	require.NotEmpty(t, got.PasswordHash)
	assert.Equal(t, "$2a$10$localhash", got.PasswordHash)
}

func TestDrainIsolatesBadEvents(t *testing.T) {
	store := storage.NewMemoryBackend()
	ctx := context.Background()

	// First event has garbage payload, second is fine. One bad event
	// must not stop the batch.
	require.NoError(t, store.InsertReplicationEvent(ctx, &models.ReplicationEvent{
		EntityType: models.EntityPolicy, EntityID: "bad", Operation: models.OpCreate,
		EntityData: []byte("{not json"), SourceInstance: "instance-b",
		Timestamp: time.Now().UTC().Add(-time.Minute),
	}))
	insertEvent(t, store, models.EntityPolicy, models.OpCreate,
		&models.Policy{Name: "good"}, "instance-b")

	rep := NewReplicator(store, "instance-a", 7*24*time.Hour)
	require.NoError(t, rep.Drain(ctx))

	_, err := store.GetPolicy(ctx, "good")
	require.NoError(t, err)

	// The bad row stays unprocessed for the next pass.
	count, err := store.CountUnprocessedEvents(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestCleanupPurgesOldEvents(t *testing.T) {
	store := storage.NewMemoryBackend()
	ctx := context.Background()

	old := &models.ReplicationEvent{
		EntityType: models.EntityPolicy, EntityID: "old", Operation: models.OpCreate,
		EntityData: []byte("{}"), SourceInstance: "instance-a",
		Timestamp: time.Now().UTC().Add(-8 * 24 * time.Hour),
		Processed: true,
	}
	require.NoError(t, store.InsertReplicationEvent(ctx, old))
	insertEvent(t, store, models.EntityPolicy, models.OpCreate, &models.Policy{Name: "fresh"}, "instance-a")

	rep := NewReplicator(store, "instance-a", 7*24*time.Hour)
	require.NoError(t, rep.Cleanup(ctx))

	// Retention applies regardless of processed state; the fresh event survives.
	events, err := store.UnprocessedEventsFromOthers(ctx, "instance-b")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].EntityID)
}

func TestNewInstanceID(t *testing.T) {
	a := NewInstanceID()
	assert.NotEmpty(t, a)
	time.Sleep(2 * time.Millisecond)
	b := NewInstanceID()
	assert.NotEqual(t, a, b)
}

func insertEvent(t *testing.T, store storage.Backend, entity models.EntityType, op models.OperationType, payload any, source string) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	var id string
	switch p := payload.(type) {
	case *models.SecretVersion:
		id = p.FullPath()
	case *models.Policy:
		id = p.Name
	case *models.IdentityEvent:
		id = p.Name
	}
	require.NoError(t, store.InsertReplicationEvent(context.Background(), &models.ReplicationEvent{
		EntityType: entity, EntityID: id, Operation: op,
		EntityData: data, SourceInstance: source, Timestamp: time.Now().UTC(),
	}))
}
