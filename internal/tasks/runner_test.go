package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/seal-protocol/internal/db"
	"github.com/seal-protocol/internal/db/models"
	"github.com/seal-protocol/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(gdb))
	return gdb
}

func newTestRunner(t *testing.T, gdb *gorm.DB) *Runner {
	t.Helper()
	return NewRunner(gdb, zap.NewNop(), metrics.NewMetricsCollector(), 50*time.Millisecond, 3)
}

func TestEnqueueDeduplicates(t *testing.T) {
	gdb := newTestDB(t)

	require.NoError(t, Enqueue(gdb, "demo", "demo:1", map[string]string{"a": "1"}))
	require.NoError(t, Enqueue(gdb, "demo", "demo:1", map[string]string{"a": "2"}))

	var count int64
	require.NoError(t, gdb.Model(&models.OutboxTask{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	var task models.OutboxTask
	require.NoError(t, gdb.First(&task, "id = ?", "demo:1").Error)
	assert.JSONEq(t, `{"a":"1"}`, task.Payload)
}

func TestRunOnceProcessesDueTasks(t *testing.T) {
	gdb := newTestDB(t)
	runner := newTestRunner(t, gdb)

	var handled []string
	runner.Register("demo", func(ctx context.Context, task *models.OutboxTask) error {
		handled = append(handled, task.ID)
		return nil
	})

	require.NoError(t, Enqueue(gdb, "demo", "demo:1", nil))
	require.NoError(t, Enqueue(gdb, "demo", "demo:2", nil))

	processed := runner.RunOnce(context.Background())
	assert.Equal(t, 2, processed)
	assert.ElementsMatch(t, []string{"demo:1", "demo:2"}, handled)

	var done int64
	require.NoError(t, gdb.Model(&models.OutboxTask{}).
		Where("status = ?", models.TaskDone).Count(&done).Error)
	assert.EqualValues(t, 2, done)

	// Nothing left to do.
	assert.Equal(t, 0, runner.RunOnce(context.Background()))
}

func TestFailingTaskRetriesThenFails(t *testing.T) {
	gdb := newTestDB(t)
	runner := newTestRunner(t, gdb)

	attempts := 0
	runner.Register("flaky", func(ctx context.Context, task *models.OutboxTask) error {
		attempts++
		return errors.New("downstream unavailable")
	})

	require.NoError(t, Enqueue(gdb, "flaky", "flaky:1", nil))
	runner.RunOnce(context.Background())

	var task models.OutboxTask
	require.NoError(t, gdb.First(&task, "id = ?", "flaky:1").Error)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Contains(t, task.LastError, "downstream unavailable")
	assert.True(t, task.ScheduledAt.After(time.Now()), "retry must be scheduled in the future")

	// Force the remaining attempts due immediately.
	for task.Status == models.TaskPending {
		require.NoError(t, gdb.Model(&task).Update("scheduled_at", time.Now().Add(-time.Second)).Error)
		runner.RunOnce(context.Background())
		require.NoError(t, gdb.First(&task, "id = ?", "flaky:1").Error)
	}

	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, 3, attempts)
}

func TestUnregisteredTaskFails(t *testing.T) {
	gdb := newTestDB(t)
	runner := newTestRunner(t, gdb)

	require.NoError(t, Enqueue(gdb, "nobody-home", "orphan:1", nil))
	runner.RunOnce(context.Background())

	var task models.OutboxTask
	require.NoError(t, gdb.First(&task, "id = ?", "orphan:1").Error)
	assert.Equal(t, models.TaskFailed, task.Status)
}

func TestRunStepReplaysRecordedResult(t *testing.T) {
	gdb := newTestDB(t)
	runner := newTestRunner(t, gdb)
	ctx := context.Background()

	calls := 0
	fn := func() (string, error) {
		calls++
		return "blob-123", nil
	}

	result, err := runner.RunStep(ctx, "task-1", "item:a", fn)
	require.NoError(t, err)
	assert.Equal(t, "blob-123", result)

	// Redelivery skips the work and returns the recorded result.
	result, err = runner.RunStep(ctx, "task-1", "item:a", fn)
	require.NoError(t, err)
	assert.Equal(t, "blob-123", result)
	assert.Equal(t, 1, calls)

	// A different step key runs independently.
	_, err = runner.RunStep(ctx, "task-1", "item:b", fn)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRunStepDoesNotRecordFailures(t *testing.T) {
	gdb := newTestDB(t)
	runner := newTestRunner(t, gdb)
	ctx := context.Background()

	calls := 0
	_, err := runner.RunStep(ctx, "task-1", "item:a", func() (string, error) {
		calls++
		return "", errors.New("render failed")
	})
	require.Error(t, err)

	result, err := runner.RunStep(ctx, "task-1", "item:a", func() (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}
