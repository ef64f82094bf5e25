package events

import (
	"context"
	"log/slog"

	"github.com/example/provider-matching/internal/models"
)

// LogSink mirrors committed audit entries into the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Append(ctx context.Context, e models.AuditEntry) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{"audit_id", e.ID, "actor_id", e.ActorID, "target_type", e.TargetType, "target_id", e.TargetID}
	for k, v := range e.Metadata {
		attrs = append(attrs, k, v)
	}
	l.InfoContext(ctx, "audit."+e.Action, attrs...)
	return nil
}
