package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/assetdesk/assetdesk/internal/rbac"
)

// TaskRecord is the asynq task type carrying one audit event.
const TaskRecord = "audit:record"

// Recorder persists one audit event. DBSink and the queue worker share it.
type Recorder interface {
	Record(ctx context.Context, event rbac.AuditEvent) error
}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements rbac.AuditHook.
func (s LogSink) Notify(ctx context.Context, event rbac.AuditEvent) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("event_id", event.ID),
		slog.String("kind", string(event.Kind)),
		slog.Int64("actor_id", event.ActorID),
	}
	if event.Subject != "" {
		attrs = append(attrs, slog.String("subject", event.Subject))
	}
	if len(event.Keys) > 0 {
		attrs = append(attrs, slog.Any("keys", keyStrings(event.Keys)))
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", string(event.Reason)))
	}
	level := slog.LevelInfo
	if event.Kind == rbac.AuditUnavailable {
		level = slog.LevelError
	}
	logger.LogAttrs(ctx, level, "audit", attrs...)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DBSink stores audit events in the audit_logs table.
type DBSink struct {
	db     execer
	logger *slog.Logger
}

// NewDBSink constructs a DBSink on a pgx pool or transaction.
func NewDBSink(db execer, logger *slog.Logger) *DBSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBSink{db: db, logger: logger}
}

// Record inserts the event. Replays of the same event id are ignored.
func (s *DBSink) Record(ctx context.Context, event rbac.AuditEvent) error {
	meta := []byte("{}")
	if len(event.Meta) > 0 {
		raw, err := json.Marshal(event.Meta)
		if err != nil {
			return fmt.Errorf("audit: encode meta: %w", err)
		}
		meta = raw
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO audit_logs (id, kind, actor_id, subject, keys, reason, meta, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
ON CONFLICT (id) DO NOTHING`,
		event.ID,
		string(event.Kind),
		event.ActorID,
		pgtype.Text{String: event.Subject, Valid: event.Subject != ""},
		keyStrings(event.Keys),
		pgtype.Text{String: string(event.Reason), Valid: event.Reason != ""},
		meta,
		pgtype.Timestamptz{Time: event.At, Valid: !event.At.IsZero()},
	)
	if err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Notify implements rbac.AuditHook.
func (s *DBSink) Notify(ctx context.Context, event rbac.AuditEvent) {
	if err := s.Record(ctx, event); err != nil {
		s.logger.Error("audit sink failed", slog.String("sink", "db"), slog.String("event_id", event.ID), slog.Any("error", err))
	}
}

// Enqueuer is the asynq client surface used by QueueSink.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueSink hands audit events to the worker through asynq.
type QueueSink struct {
	client   Enqueuer
	queue    string
	retain   time.Duration
	maxRetry int
	logger   *slog.Logger
}

// NewQueueSink constructs a QueueSink. An empty queue name uses "audit".
func NewQueueSink(client Enqueuer, queue string, logger *slog.Logger) *QueueSink {
	if queue == "" {
		queue = "audit"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueSink{client: client, queue: queue, retain: 24 * time.Hour, maxRetry: 10, logger: logger}
}

// NewRecordTask encodes an event as an audit:record task.
func NewRecordTask(event rbac.AuditEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("audit: encode task: %w", err)
	}
	return asynq.NewTask(TaskRecord, payload), nil
}

// DecodeRecordTask is the inverse of NewRecordTask.
func DecodeRecordTask(task *asynq.Task) (rbac.AuditEvent, error) {
	var event rbac.AuditEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		return rbac.AuditEvent{}, fmt.Errorf("audit: decode task: %w", err)
	}
	return event, nil
}

// Notify implements rbac.AuditHook. The event id doubles as task id so a
// duplicate notification is rejected by asynq.
func (s *QueueSink) Notify(ctx context.Context, event rbac.AuditEvent) {
	task, err := NewRecordTask(event)
	if err != nil {
		s.logger.Error("audit sink failed", slog.String("sink", "queue"), slog.String("event_id", event.ID), slog.Any("error", err))
		return
	}
	_, err = s.client.EnqueueContext(ctx, task,
		asynq.Queue(s.queue),
		asynq.TaskID(event.ID),
		asynq.MaxRetry(s.maxRetry),
		asynq.Retention(s.retain),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		s.logger.Error("audit sink failed", slog.String("sink", "queue"), slog.String("event_id", event.ID), slog.Any("error", err))
	}
}

// Fanout forwards every event to each hook in order.
type Fanout []rbac.AuditHook

// Notify implements rbac.AuditHook.
func (f Fanout) Notify(ctx context.Context, event rbac.AuditEvent) {
	for _, hook := range f {
		if hook != nil {
			hook.Notify(ctx, event)
		}
	}
}

func keyStrings(keys []rbac.PermissionKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}
