// Package store is the durable state layer: recurring task rows and the
// append-only stat event log, both in one SQLite database.
package store

import (
	"errors"
	"time"
)

var (
	ErrDuplicateName   = errors.New("a task with this name already exists")
	ErrNotFound        = errors.New("task not found")
	ErrAlreadyRunning  = errors.New("task is already running")
	ErrInvalidInterval = errors.New("task interval must be at least one minute")
	ErrInvalidQuestion = errors.New("task question must not be empty")
	ErrInvalidName     = errors.New("task name must not be empty")
)

// MinInterval is the smallest accepted task interval.
const MinInterval = time.Minute

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Task is one recurring query owned by a single user.
//
// Scheduling fields (LastRunAt, NextRunAt, Failures, Running) are mutated
// only by the scheduler and executor via MarkRunning/CompleteTask; command
// handlers never touch them directly.
type Task struct {
	ID        int64
	OwnerID   int64
	Name      string
	Interval  time.Duration
	Question  string
	CreatedAt time.Time
	LastRunAt time.Time // zero until the first completed run
	NextRunAt time.Time
	Failures  int // consecutive failed executions
	Running   bool
}

// StatEvent is one immutable record of a command invocation or scheduled
// execution.
type StatEvent struct {
	Command   string
	UserID    int64
	At        time.Time
	Duration  time.Duration
	OK        bool
	ErrorKind string // empty when OK
}

// UserSummary aggregates one user's stat events.
type UserSummary struct {
	TotalCommands int64
	ActiveDays    int64
	AvgDurationMS float64
	ErrorRate     float64 // failed / total, in [0, 1]
}

// CommandUsage aggregates all events of one command kind.
type CommandUsage struct {
	Command       string
	Count         int64
	AvgDurationMS float64
	ErrorRate     float64
}
