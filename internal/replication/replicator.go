package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// Replicator applies change-log events produced by other instances to
// the local store. This is log shipping, not shared storage: an
// instance never re-applies its own events.
type Replicator struct {
	store      storage.Backend
	instanceID string
	retention  time.Duration
}

// NewReplicator creates a Replicator for the given instance id.
func NewReplicator(store storage.Backend, instanceID string, retention time.Duration) *Replicator {
	return &Replicator{store: store, instanceID: instanceID, retention: retention}
}

// InstanceID returns the id this replicator considers "self".
func (r *Replicator) InstanceID() string {
	return r.instanceID
}

// NewInstanceID generates a best-effort unique instance id: hostname
// plus a time-derived suffix, or a synthetic fallback. It distinguishes
// "mine" from "theirs" and carries no authentication weight.
func NewInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "keyvault-" + uuid.NewString()[:8]
	}
	ms := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return host + "-" + ms[len(ms)-6:]
}

// Drain fetches all unprocessed events from other instances in
// timestamp order and applies them. A failure on one event is logged
// and the rest of the batch continues; the failed row stays unprocessed
// and is retried on the next pass.
func (r *Replicator) Drain(ctx context.Context) error {
	events, err := r.store.UnprocessedEventsFromOthers(ctx, r.instanceID)
	if err != nil {
		return fmt.Errorf("fetching unprocessed events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}
	log.Info().Int("count", len(events)).Msg("processing replication events from other instances")

	for _, e := range events {
		if err := r.apply(ctx, e); err != nil {
			log.Error().Err(err).
				Int64("event", e.ID).
				Str("entity", string(e.EntityType)).Str("id", e.EntityID).
				Str("source", e.SourceInstance).
				Msg("failed to apply replication event")
			continue
		}
		if err := r.store.MarkEventProcessed(ctx, e.ID); err != nil {
			log.Error().Err(err).Int64("event", e.ID).Msg("failed to mark event processed")
		}
	}
	return nil
}

// Cleanup purges events older than the retention window, processed or not.
func (r *Replicator) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.retention)
	purged, err := r.store.PurgeEventsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purging old replication events: %w", err)
	}
	if purged > 0 {
		log.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("cleaned up old replication events")
	}
	return nil
}

// Backlog reports how many events are still unprocessed, for metrics.
func (r *Replicator) Backlog(ctx context.Context) (int64, error) {
	return r.store.CountUnprocessedEvents(ctx)
}

func (r *Replicator) apply(ctx context.Context, e *models.ReplicationEvent) error {
	switch e.EntityType {
	case models.EntitySecret:
		return r.applySecret(ctx, e)
	case models.EntityIdentity:
		return r.applyIdentity(ctx, e)
	case models.EntityPolicy:
		return r.applyPolicy(ctx, e)
	default:
		return fmt.Errorf("unknown entity type %q", e.EntityType)
	}
}

func (r *Replicator) applySecret(ctx context.Context, e *models.ReplicationEvent) error {
	var v models.SecretVersion
	if err := json.Unmarshal(e.EntityData, &v); err != nil {
		return fmt.Errorf("deserializing secret event: %w", err)
	}
	switch e.Operation {
	case models.OpCreate, models.OpUpdate:
		v.ID = 0
		return r.store.UpsertSecretVersion(ctx, &v)
	case models.OpDelete:
		at := time.Now().UTC()
		if v.DeletedAt != nil {
			at = *v.DeletedAt
		}
		// Version set means one version was deleted, not the whole
		// address; the other versions stay live.
		if v.Version > 0 {
			err := r.store.SetVersionDeleted(ctx, v.Path, v.Key, v.Version, true, &at)
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return err
		}
		_, err := r.store.MarkSecretDeleted(ctx, v.Path, v.Key, at)
		return err
	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
}

func (r *Replicator) applyIdentity(ctx context.Context, e *models.ReplicationEvent) error {
	var ev models.IdentityEvent
	if err := json.Unmarshal(e.EntityData, &ev); err != nil {
		return fmt.Errorf("deserializing identity event: %w", err)
	}
	switch e.Operation {
	case models.OpCreate, models.OpUpdate:
		ident := &models.Identity{
			Name:         ev.Name,
			PasswordHash: ev.PasswordHash,
			Type:         ev.Type,
			Enabled:      ev.Enabled,
			Policies:     ev.Policies,
		}
		// Never overwrite stored credentials with an empty hash.
		if ident.PasswordHash == "" {
			if existing, err := r.store.GetIdentity(ctx, ev.Name); err == nil {
				ident.PasswordHash = existing.PasswordHash
			}
		}
		return r.store.UpsertIdentity(ctx, ident)
	case models.OpDelete:
		err := r.store.DeleteIdentity(ctx, ev.Name)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
}

func (r *Replicator) applyPolicy(ctx context.Context, e *models.ReplicationEvent) error {
	var pol models.Policy
	if err := json.Unmarshal(e.EntityData, &pol); err != nil {
		return fmt.Errorf("deserializing policy event: %w", err)
	}
	switch e.Operation {
	case models.OpCreate, models.OpUpdate:
		return r.store.UpsertPolicy(ctx, &pol)
	case models.OpDelete:
		err := r.store.DeletePolicy(ctx, pol.Name)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
}
