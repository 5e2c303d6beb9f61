package replication

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
	"github.com/rs/zerolog/log"
)

const defaultQueueSize = 1024

// Logger records mutations as replication events, off the critical
// path. Record is a non-blocking enqueue into a bounded queue drained
// by a single writer goroutine; logging failures (including a full
// queue) are logged and swallowed so they never fail the originating
// mutation.
type Logger struct {
	store      storage.Backend
	instanceID string
	enabled    bool
	queue      chan *models.ReplicationEvent
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewLogger creates a Logger tagged with the given instance id and
// starts its writer goroutine.
func NewLogger(store storage.Backend, instanceID string, enabled bool) *Logger {
	l := &Logger{
		store:      store,
		instanceID: instanceID,
		enabled:    enabled,
		queue:      make(chan *models.ReplicationEvent, defaultQueueSize),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Record enqueues one mutation event. It never blocks and never fails
// the caller: serialization errors and queue overflow are logged only.
func (l *Logger) Record(entity models.EntityType, entityID string, op models.OperationType, payload any) {
	if !l.enabled {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).
			Str("entity", string(entity)).Str("id", entityID).
			Msg("failed to serialize replication payload")
		return
	}
	e := &models.ReplicationEvent{
		EntityType:     entity,
		EntityID:       entityID,
		Operation:      op,
		EntityData:     data,
		SourceInstance: l.instanceID,
		Timestamp:      time.Now().UTC(),
	}
	select {
	case l.queue <- e:
	default:
		log.Warn().
			Str("entity", string(entity)).Str("id", entityID).
			Msg("replication queue full, dropping event")
	}
}

// Close stops accepting events and waits for the queue to drain.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.queue)
	})
	l.wg.Wait()
}

func (l *Logger) run() {
	defer l.wg.Done()
	for e := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.store.InsertReplicationEvent(ctx, e); err != nil {
			log.Error().Err(err).
				Str("entity", string(e.EntityType)).Str("id", e.EntityID).
				Msg("failed to persist replication event")
		} else {
			log.Debug().
				Str("entity", string(e.EntityType)).Str("id", e.EntityID).
				Str("op", string(e.Operation)).
				Msg("logged replication event")
		}
		cancel()
	}
}
