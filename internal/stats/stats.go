// Package stats records command usage and aggregates it into the
// summaries behind /stats and /botstats.
package stats

import (
	"context"
	"time"

	"askbot/internal/failure"
	"askbot/internal/store"
	logx "askbot/pkg/logx"
)

// ErrNotOwner is returned when a global summary is requested without the
// owner gate. The aggregator never authenticates on its own; the caller
// decides who the owner is.
var ErrNotOwner = failure.New(failure.Fatal, "global stats are restricted to the bot owner")

// Command identifies one kind of recorded interaction.
type Command string

const (
	CommandHelp     Command = "help"
	CommandAsk      Command = "ask"
	CommandCreate   Command = "create"
	CommandDelete   Command = "delete"
	CommandList     Command = "list"
	CommandStats    Command = "stats"
	CommandBotStats Command = "botstats"
	CommandWhoami   Command = "whoami"
	CommandTask     Command = "scheduled_task"
)

// Valid reports whether c is one of the known command kinds.
func (c Command) Valid() bool {
	switch c {
	case CommandHelp, CommandAsk, CommandCreate, CommandDelete, CommandList,
		CommandStats, CommandBotStats, CommandWhoami, CommandTask:
		return true
	}
	return false
}

// EventSink is the slice of the store the recorder needs.
type EventSink interface {
	AppendStat(ctx context.Context, ev store.StatEvent) error
}

// Recorder appends usage events. Recording failures are logged and
// swallowed so bookkeeping never breaks the command that triggered it.
type Recorder struct {
	sink EventSink
	log  logx.Logger
}

func NewRecorder(sink EventSink, log logx.Logger) *Recorder {
	return &Recorder{sink: sink, log: log.With(logx.String("component", "stats"))}
}

// Record stores one finished interaction. err carries the failure that
// ended it, nil on success.
func (r *Recorder) Record(ctx context.Context, cmd Command, userID int64, took time.Duration, err error) {
	if !cmd.Valid() {
		r.log.Warn("dropping stat event with unknown command", logx.String("command", string(cmd)))
		return
	}
	ev := store.StatEvent{
		Command:  string(cmd),
		UserID:   userID,
		At:       time.Now(),
		Duration: took,
		OK:       err == nil,
	}
	if err != nil {
		ev.ErrorKind = string(failure.KindOf(err))
	}
	if serr := r.sink.AppendStat(ctx, ev); serr != nil {
		r.log.Error("stat append failed", logx.Err(serr), logx.String("command", string(cmd)))
	}
}

// SummarySource is the slice of the store the aggregator needs.
type SummarySource interface {
	UserSummary(ctx context.Context, userID int64) (store.UserSummary, error)
	CommandSummary(ctx context.Context) ([]store.CommandUsage, error)
}

// Aggregator answers the summary queries. Per-user summaries are open to
// the user they describe; the global breakdown needs the owner gate.
type Aggregator struct {
	src SummarySource
}

func NewAggregator(src SummarySource) *Aggregator {
	return &Aggregator{src: src}
}

// ForUser returns the usage summary for one user.
func (a *Aggregator) ForUser(ctx context.Context, userID int64) (store.UserSummary, error) {
	return a.src.UserSummary(ctx, userID)
}

// Global returns the per-command breakdown across all users. The caller
// passes the result of its own owner check; false is rejected outright.
func (a *Aggregator) Global(ctx context.Context, authorized bool) ([]store.CommandUsage, error) {
	if !authorized {
		return nil, ErrNotOwner
	}
	return a.src.CommandSummary(ctx)
}
