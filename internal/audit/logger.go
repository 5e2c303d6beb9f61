package audit

import (
	"context"
	"time"

	"github.com/org/keyvault/internal/storage"
	"github.com/org/keyvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// Logger writes structured audit entries.
type Logger struct {
	store storage.Backend
}

// NewLogger creates an audit Logger.
func NewLogger(store storage.Backend) *Logger {
	return &Logger{store: store}
}

// LogRequest records an API request to the audit log. Secret values
// must NEVER be passed here — only metadata. Failures are logged and
// swallowed so audit trouble does not break request flow.
func (l *Logger) LogRequest(ctx context.Context, entry *models.AuditEntry) {
	entry.Timestamp = time.Now().UTC()
	if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
		log.Error().Err(err).Str("request_id", entry.RequestID).Msg("failed to write audit entry")
	}
}

// Query retrieves paginated audit log entries.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}
