package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/assetdesk/assetdesk/internal/jobs"
	"github.com/assetdesk/assetdesk/internal/rbac"
)

// Sweeper deactivates expired policy rows and reports how many changed.
type Sweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// ExpirySweepJob is the handler of TaskExpirySweep.
type ExpirySweepJob struct {
	Sweeper Sweeper
	Audit   rbac.AuditHook
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewExpirySweepJob initialises the sweep handler.
func NewExpirySweepJob(sweeper Sweeper, audit rbac.AuditHook, logger *slog.Logger, metrics *jobmetrics.Metrics) *ExpirySweepJob {
	return &ExpirySweepJob{
		Sweeper: sweeper,
		Audit:   audit,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle runs one sweep.
func (j *ExpirySweepJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("expiry sweep: handler not configured")
	}
	tracker := j.Metrics.Track(TaskExpirySweep)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.clock()
	logger := j.logger()
	swept, err := j.Sweeper.SweepExpired(ctx, start)
	if err != nil {
		logger.Error("expiry sweep failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddSwept(swept)
	if swept == 0 {
		logger.Debug("expiry sweep found nothing")
		return nil
	}
	if j.Audit != nil {
		event := rbac.NewAuditEvent(rbac.AuditAdminChange, 0, "sweep:expired")
		event.Meta = map[string]any{"rows": swept}
		j.Audit.Notify(ctx, event)
	}
	logger.Info("expiry sweep completed", slog.Int64("rows", swept), slog.Duration("duration", j.clock().Sub(start)))
	return nil
}

func (j *ExpirySweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
