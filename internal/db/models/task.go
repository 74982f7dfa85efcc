package models

import (
	"time"
)

type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskDone    TaskStatus = "DONE"
	TaskFailed  TaskStatus = "FAILED"
)

// OutboxTask is one durable unit of background work. The ID doubles as
// the idempotency key: a second enqueue with the same ID is a no-op.
type OutboxTask struct {
	ID          string     `gorm:"primaryKey"`
	Name        string     `gorm:"index;not null"`
	Payload     string     `gorm:"type:json"`
	Status      TaskStatus `gorm:"index;not null;default:'PENDING'"`
	Attempts    int        `gorm:"not null;default:0"`
	ScheduledAt time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskStep records a completed sub-step of a task so at-least-once
// redelivery can skip work already done. Result carries the step's
// output (e.g. a produced blob id) for replayed runs.
type TaskStep struct {
	ID        uint   `gorm:"primaryKey"`
	TaskID    string `gorm:"uniqueIndex:idx_task_step;not null"`
	StepKey   string `gorm:"uniqueIndex:idx_task_step;not null"`
	Result    string
	CreatedAt time.Time
}
