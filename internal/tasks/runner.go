package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/seal-protocol/internal/db/models"
	"github.com/seal-protocol/pkg/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HandlerFunc processes one delivered task. Delivery is at-least-once;
// handlers must be idempotent or guard their sub-steps with RunStep.
type HandlerFunc func(ctx context.Context, task *models.OutboxTask) error

// Runner is a minimal durable task runner over the outbox table. Tasks
// are enqueued inside the caller's transaction, so work and the state
// change that caused it commit or roll back together.
type Runner struct {
	db           *gorm.DB
	logger       *zap.Logger
	metrics      *metrics.MetricsCollector
	pollInterval time.Duration
	maxAttempts  int

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRunner(db *gorm.DB, logger *zap.Logger, collector *metrics.MetricsCollector, pollInterval time.Duration, maxAttempts int) *Runner {
	return &Runner{
		db:           db,
		logger:       logger.With(zap.String("service", "task_runner")),
		metrics:      collector,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		handlers:     make(map[string]HandlerFunc),
	}
}

func (r *Runner) Register(name string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Enqueue inserts a task keyed by its idempotency id. Re-enqueueing the
// same key is a no-op. Callable on a transaction handle so the task
// becomes durable together with the surrounding state change.
func Enqueue(tx *gorm.DB, name, key string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	task := models.OutboxTask{
		ID:          key,
		Name:        name,
		Payload:     string(body),
		Status:      models.TaskPending,
		ScheduledAt: time.Now(),
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&task).Error
}

// Start runs the poll loop until the context is cancelled.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.logger.Info("Task runner started", zap.Duration("poll_interval", r.pollInterval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Task runner stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce claims and processes every due PENDING task. Returns the
// number of tasks processed; tests use it to drain synchronously.
func (r *Runner) RunOnce(ctx context.Context) int {
	var due []models.OutboxTask
	if err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.TaskPending, time.Now()).
		Order("scheduled_at ASC").
		Find(&due).Error; err != nil {
		r.logger.Error("Failed to poll outbox", zap.Error(err))
		return 0
	}

	processed := 0
	for i := range due {
		r.process(ctx, &due[i])
		processed++
	}
	return processed
}

// Drain processes until no due work remains. Test helper; production
// uses Start.
func (r *Runner) Drain(ctx context.Context) {
	for r.RunOnce(ctx) > 0 {
	}
}

func (r *Runner) process(ctx context.Context, task *models.OutboxTask) {
	r.mu.RLock()
	handler, ok := r.handlers[task.Name]
	r.mu.RUnlock()

	if !ok {
		r.logger.Error("No handler registered for task", zap.String("task", task.Name), zap.String("task_id", task.ID))
		r.fail(task, errors.New("no handler registered"))
		return
	}

	start := time.Now()
	err := handler(ctx, task)
	r.metrics.ObserveLatency("task."+task.Name, time.Since(start))

	if err == nil {
		r.db.Model(task).Updates(map[string]interface{}{
			"status":     models.TaskDone,
			"last_error": "",
		})
		r.metrics.IncrementCounter("tasks_done", map[string]string{"task": task.Name})
		return
	}

	task.Attempts++
	r.logger.Warn("Task attempt failed",
		zap.String("task", task.Name),
		zap.String("task_id", task.ID),
		zap.Int("attempts", task.Attempts),
		zap.Error(err))

	if task.Attempts >= r.maxAttempts {
		r.fail(task, err)
		return
	}

	backoff := time.Duration(task.Attempts*task.Attempts) * time.Second
	r.db.Model(task).Updates(map[string]interface{}{
		"attempts":     task.Attempts,
		"scheduled_at": time.Now().Add(backoff),
		"last_error":   err.Error(),
	})
	r.metrics.IncrementCounter("tasks_retried", map[string]string{"task": task.Name})
}

func (r *Runner) fail(task *models.OutboxTask, err error) {
	r.db.Model(task).Updates(map[string]interface{}{
		"status":     models.TaskFailed,
		"attempts":   task.Attempts,
		"last_error": err.Error(),
	})
	r.metrics.IncrementCounter("tasks_failed", map[string]string{"task": task.Name})
}

// RunStep executes fn once per (task, step) pair. A redelivered task
// skips completed steps and gets back the recorded result.
func (r *Runner) RunStep(ctx context.Context, taskID, stepKey string, fn func() (string, error)) (string, error) {
	var existing models.TaskStep
	err := r.db.WithContext(ctx).
		Where("task_id = ? AND step_key = ?", taskID, stepKey).
		First(&existing).Error
	if err == nil {
		return existing.Result, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	result, err := fn()
	if err != nil {
		return "", err
	}

	step := models.TaskStep{TaskID: taskID, StepKey: stepKey, Result: result}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&step).Error; err != nil {
		return "", err
	}
	return result, nil
}
