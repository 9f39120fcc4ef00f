package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keyway/keyway/internal/storage"
	"github.com/keyway/keyway/pkg/models"
)

// Logger persists the secret-operation audit trail.
type Logger struct {
	store storage.Backend
}

// NewLogger creates an audit Logger.
func NewLogger(store storage.Backend) *Logger {
	return &Logger{store: store}
}

// Record writes one audit entry. Secret values must NEVER be passed here,
// keys, environments and counts only. Audit failures are logged and dropped;
// they never break the request flow.
func (l *Logger) Record(ctx context.Context, entry *models.AuditEntry) {
	entry.Timestamp = time.Now().UTC()
	if entry.Status == "" {
		entry.Status = "success"
	}
	if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
		log.Error().Err(err).Str("operation", entry.Operation).Msg("failed to write audit entry")
	}
}

// Query retrieves paginated audit log entries.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}
