// Package bot parses inbound chat commands and drives the task store,
// the answer service and the stats aggregator on behalf of users.
package bot

import (
	"context"
	"errors"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"askbot/internal/eventbus"
	"askbot/internal/failure"
	"askbot/internal/notifier"
	"askbot/internal/stats"
	"askbot/internal/store"
	"askbot/internal/transport"
	logx "askbot/pkg/logx"
)

// Command is the closed set of chat commands.
type Command string

const (
	CmdHelp     Command = "help"
	CmdWhoami   Command = "whoami"
	CmdCreate   Command = "create"
	CmdList     Command = "list"
	CmdDelete   Command = "delete"
	CmdAsk      Command = "ask"
	CmdStats    Command = "stats"
	CmdBotStats Command = "botstats"
)

// ParseCommand extracts the command and its argument tail from a message.
// A "/cmd@BotName" mention form is accepted. ok is false for plain text
// and for commands outside the closed set.
func ParseCommand(text string) (Command, string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, args, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	cmd := Command(strings.ToLower(head))
	switch cmd {
	case CmdHelp, CmdWhoami, CmdCreate, CmdList, CmdDelete, CmdAsk, CmdStats, CmdBotStats:
		return cmd, strings.TrimSpace(args), true
	}
	return "", "", false
}

var errInvalidParameters = failure.New(failure.Validation, "invalid command parameters")

// TaskStore is the slice of the store the router needs.
type TaskStore interface {
	CreateTask(ctx context.Context, ownerID int64, name string, interval time.Duration, question string) (store.Task, error)
	DeleteTask(ctx context.Context, ownerID int64, name string) error
	ListTasks(ctx context.Context, ownerID int64) ([]store.Task, error)
	MarkRunning(ctx context.Context, id int64) error
}

// Asker answers ad-hoc questions and runs freshly created tasks once.
type Asker interface {
	Ask(ctx context.Context, question string) (string, error)
	Execute(ctx context.Context, task store.Task)
}

// Deliverer queues outbound replies.
type Deliverer interface {
	Queue(n notifier.Notification) error
}

// Router dispatches parsed commands. One goroutine per update; answers
// can take tens of seconds and must not block other users.
type Router struct {
	tasks    TaskStore
	asker    Asker
	agg      *stats.Aggregator
	recorder *stats.Recorder
	delivery Deliverer
	isOwner  func(int64) bool
	format   Formatter
	bus      eventbus.Bus
	log      logx.Logger
}

func NewRouter(tasks TaskStore, asker Asker, agg *stats.Aggregator, recorder *stats.Recorder, delivery Deliverer, isOwner func(int64) bool, bus eventbus.Bus, log logx.Logger) *Router {
	return &Router{
		tasks:    tasks,
		asker:    asker,
		agg:      agg,
		recorder: recorder,
		delivery: delivery,
		isOwner:  isOwner,
		bus:      bus,
		log:      log.With(logx.String("component", "router")),
	}
}

// Run consumes updates until ctx is done or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			msg := up.Message
			if msg == nil || msg.Text == "" {
				continue
			}
			cmd, args, ok := ParseCommand(msg.Text)
			if !ok {
				continue
			}
			go func() {
				defer func() {
					if rec := recover(); rec != nil {
						r.log.Error("panic in command handler",
							logx.String("command", string(cmd)),
							logx.Any("panic", rec),
							logx.String("stack", string(debug.Stack())),
						)
					}
				}()
				r.Handle(ctx, *msg, cmd, args)
			}()
		}
	}
}

// Handle runs one command end to end: dispatch, reply, stat event.
func (r *Router) Handle(ctx context.Context, msg transport.Message, cmd Command, args string) {
	start := time.Now()
	err := r.dispatch(ctx, msg, cmd, args)
	took := time.Since(start)

	r.recorder.Record(ctx, commandKind(cmd), msg.FromID, took, err)
	if r.bus != nil {
		ev := CommandEvent{Command: string(cmd), UserID: msg.FromID, Duration: took}
		if err != nil {
			ev.Error = err.Error()
		}
		r.bus.Publish(eventbus.Event{Type: eventbus.TopicCommandHandled, Time: time.Now(), Data: ev})
	}

	if err != nil {
		r.log.Warn("command failed",
			logx.String("command", string(cmd)),
			logx.Int64("user_id", msg.FromID),
			logx.Duration("took", took),
			logx.Err(err),
		)
		r.reply(msg.ChatID, userMessage(err))
		return
	}
	r.log.Debug("command handled",
		logx.String("command", string(cmd)),
		logx.Int64("user_id", msg.FromID),
		logx.Duration("took", took),
	)
}

// CommandEvent is the bus payload for command.handled.
type CommandEvent struct {
	Command  string
	UserID   int64
	Duration time.Duration
	Error    string
}

func (r *Router) dispatch(ctx context.Context, msg transport.Message, cmd Command, args string) error {
	switch cmd {
	case CmdHelp:
		r.reply(msg.ChatID, r.format.Help())
		return nil
	case CmdWhoami:
		r.reply(msg.ChatID, r.format.Whoami(msg.FromID, msg.FromUsername, r.isOwner(msg.FromID)))
		return nil
	case CmdCreate:
		return r.handleCreate(ctx, msg, args)
	case CmdList:
		tasks, err := r.tasks.ListTasks(ctx, msg.FromID)
		if err != nil {
			return err
		}
		r.reply(msg.ChatID, r.format.TaskList(tasks))
		return nil
	case CmdDelete:
		name := strings.TrimSpace(args)
		if name == "" {
			return errInvalidParameters
		}
		if err := r.tasks.DeleteTask(ctx, msg.FromID, name); err != nil {
			return err
		}
		r.reply(msg.ChatID, r.format.DeleteConfirmation(name))
		return nil
	case CmdAsk:
		question := strings.TrimSpace(args)
		if question == "" {
			return errInvalidParameters
		}
		answer, err := r.asker.Ask(ctx, question)
		if err != nil {
			return err
		}
		r.reply(msg.ChatID, r.format.AskAnswer(question, answer))
		return nil
	case CmdStats:
		sum, err := r.agg.ForUser(ctx, msg.FromID)
		if err != nil {
			return err
		}
		r.reply(msg.ChatID, r.format.UserStats(sum))
		return nil
	case CmdBotStats:
		usage, err := r.agg.Global(ctx, r.isOwner(msg.FromID))
		if err != nil {
			return err
		}
		r.reply(msg.ChatID, r.format.BotStats(usage))
		return nil
	}
	return errInvalidParameters
}

// handleCreate parses "<name> <interval_minutes> <question>", stores the
// task and kicks off its first run right away.
func (r *Router) handleCreate(ctx context.Context, msg transport.Message, args string) error {
	parts := strings.SplitN(args, " ", 3)
	if len(parts) != 3 {
		return errInvalidParameters
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || minutes <= 0 {
		return errInvalidParameters
	}
	name := strings.TrimSpace(parts[0])
	question := strings.TrimSpace(parts[2])

	task, err := r.tasks.CreateTask(ctx, msg.FromID, name, time.Duration(minutes)*time.Minute, question)
	if err != nil {
		return err
	}
	r.reply(msg.ChatID, r.format.CreateConfirmation(task))

	// First answer ahead of the schedule.
	if err := r.tasks.MarkRunning(ctx, task.ID); err != nil {
		r.log.Debug("first run skipped", logx.Int64("task_id", task.ID), logx.Err(err))
		return nil
	}
	r.asker.Execute(ctx, task)
	return nil
}

func (r *Router) reply(chatID int64, text string) {
	err := r.delivery.Queue(notifier.Notification{
		Target:  transport.ChatTarget{ChatID: chatID},
		Text:    text,
		Options: &transport.SendOptions{ParseMode: transport.ParseModeMarkdownV2, DisablePreview: true},
	})
	if err != nil {
		r.log.Warn("reply enqueue failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// userMessage maps an error to the reply the user sees. The strings are
// pre-escaped for MarkdownV2.
func userMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrDuplicateName):
		return "❌ A task with this name already exists\\. Please choose a different name\\."
	case errors.Is(err, store.ErrNotFound):
		return "❌ Task not found\\. Use /list to see all available tasks\\."
	case errors.Is(err, stats.ErrNotOwner):
		return "❌ This command is restricted to the bot owner\\."
	case errors.Is(err, store.ErrInvalidInterval):
		return "❌ The interval must be at least 1 minute\\."
	case errors.Is(err, store.ErrInvalidQuestion), errors.Is(err, store.ErrInvalidName), errors.Is(err, errInvalidParameters):
		return "❌ Invalid parameters provided\\. Please check the command format and try again\\."
	}
	switch failure.KindOf(err) {
	case failure.Transient, failure.RateLimited:
		return "❌ Unable to reach the answer service\\. Please try again later\\."
	case failure.Invalid:
		return "❌ The answer service rejected the question\\. Please rephrase and try again\\."
	case failure.Validation:
		return "❌ Invalid parameters provided\\. Please check the command format and try again\\."
	default:
		return "❌ Unable to process your request\\. Please try again later\\."
	}
}

func commandKind(cmd Command) stats.Command {
	switch cmd {
	case CmdHelp:
		return stats.CommandHelp
	case CmdWhoami:
		return stats.CommandWhoami
	case CmdCreate:
		return stats.CommandCreate
	case CmdList:
		return stats.CommandList
	case CmdDelete:
		return stats.CommandDelete
	case CmdAsk:
		return stats.CommandAsk
	case CmdStats:
		return stats.CommandStats
	case CmdBotStats:
		return stats.CommandBotStats
	}
	return stats.Command(cmd)
}
