package jobs

import (
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit carries audit:record tasks.
	QueueAudit = "audit"
	// TaskExpirySweep deactivates expired role assignments and overrides.
	TaskExpirySweep = "rbac:expiry-sweep"
)

// NewExpirySweepTask builds a sweep task.
func NewExpirySweepTask() *asynq.Task {
	return asynq.NewTask(TaskExpirySweep, nil, asynq.Queue(QueueDefault))
}
