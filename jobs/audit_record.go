package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/assetdesk/assetdesk/internal/audit"
	jobmetrics "github.com/assetdesk/assetdesk/internal/jobs"
)

// AuditRecordJob persists queued audit events.
type AuditRecordJob struct {
	Recorder audit.Recorder
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewAuditRecordJob initialises the audit:record handler.
func NewAuditRecordJob(recorder audit.Recorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditRecordJob {
	return &AuditRecordJob{Recorder: recorder, Logger: logger, Metrics: metrics}
}

// Handle decodes and records one event. Malformed payloads are not retried.
func (j *AuditRecordJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Recorder == nil {
		return errors.New("audit record: handler not configured")
	}
	tracker := j.Metrics.Track(audit.TaskRecord)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	event, err := audit.DecodeRecordTask(t)
	if err != nil {
		j.logger().Warn("drop malformed audit task", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err := j.Recorder.Record(ctx, event); err != nil {
		j.logger().Error("record audit event", slog.String("event_id", event.ID), slog.Any("error", err))
		return err
	}
	return nil
}

func (j *AuditRecordJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
