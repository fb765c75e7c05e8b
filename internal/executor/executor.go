// Package executor runs one question against the answer service and does
// the bookkeeping around it: delivery, completion, usage stats, failure
// streak notices.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"askbot/internal/eventbus"
	"askbot/internal/failure"
	"askbot/internal/notifier"
	"askbot/internal/retry"
	"askbot/internal/stats"
	"askbot/internal/store"
	"askbot/internal/transport"
	logx "askbot/pkg/logx"
)

// TaskStore is the slice of the store the worker needs.
type TaskStore interface {
	CompleteTask(ctx context.Context, id int64, success bool, now time.Time) (int, error)
}

// Answerer produces the answer text for a question.
type Answerer interface {
	Answer(ctx context.Context, question string) (string, error)
}

// Formatter renders answer text for the chat platform.
type Formatter interface {
	TaskAnswer(task store.Task, answer string) string
}

// Deliverer queues outbound messages.
type Deliverer interface {
	Queue(n notifier.Notification) error
}

// Config tunes the worker.
type Config struct {
	Retry retry.Policy
	// FailureNoticeAfter sends the owner a notice each time a task's
	// consecutive-failure streak hits a multiple of this. 0 disables.
	FailureNoticeAfter int
}

// Worker executes recurring tasks and ad-hoc questions.
type Worker struct {
	cfg      Config
	tasks    TaskStore
	answers  Answerer
	delivery Deliverer
	recorder *stats.Recorder
	format   Formatter
	bus      eventbus.Bus
	log      logx.Logger
}

func New(cfg Config, tasks TaskStore, answers Answerer, delivery Deliverer, recorder *stats.Recorder, format Formatter, bus eventbus.Bus, log logx.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		tasks:    tasks,
		answers:  answers,
		delivery: delivery,
		recorder: recorder,
		format:   format,
		bus:      bus,
		log:      log.With(logx.String("component", "executor")),
	}
}

// Execute runs one due recurring task end to end. The task must already be
// marked running; Execute always completes it, success or not.
func (w *Worker) Execute(ctx context.Context, task store.Task) {
	start := time.Now()
	log := w.log.With(
		logx.Int64("task_id", task.ID),
		logx.String("task", task.Name),
		logx.Int64("owner_id", task.OwnerID),
	)

	res := retry.Do(ctx, w.cfg.Retry, log, func(ctx context.Context) (err error) {
		var answer string
		answer, err = w.answers.Answer(ctx, task.Question)
		if err != nil {
			return err
		}
		w.send(task.OwnerID, w.format.TaskAnswer(task, answer), &transport.SendOptions{
			ParseMode:      transport.ParseModeMarkdownV2,
			DisablePreview: true,
		})
		return nil
	})
	took := time.Since(start)

	// The run context may already be cancelled at shutdown; bookkeeping has
	// to land regardless or the claim stays set until the next restart.
	finCtx, cancelFin := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFin()

	w.recorder.Record(finCtx, stats.CommandTask, task.OwnerID, took, res.Err)

	failures, cerr := w.tasks.CompleteTask(finCtx, task.ID, res.Err == nil, time.Now())
	if cerr != nil {
		if errors.Is(cerr, store.ErrNotFound) {
			// Deleted while running. Nothing to reschedule.
			log.Debug("task gone before completion")
			return
		}
		log.Error("task completion failed", logx.Err(cerr))
		return
	}

	if res.Err == nil {
		log.Info("task completed",
			logx.Duration("took", took),
			logx.Int("attempts", res.Attempts),
		)
		w.publish(eventbus.TopicTaskCompleted, task, took, res.Attempts, nil)
		return
	}

	log.Warn("task failed",
		logx.Duration("took", took),
		logx.Int("attempts", res.Attempts),
		logx.Int("streak", failures),
		logx.Err(res.Err),
	)
	w.publish(eventbus.TopicTaskFailed, task, took, res.Attempts, res.Err)
	w.maybeNotifyStreak(task, failures, res.Err)
}

// Ask answers an ad-hoc question synchronously. The caller delivers the
// text and records the stat event; Ask only applies the retry policy.
func (w *Worker) Ask(ctx context.Context, question string) (string, error) {
	var answer string
	res := retry.Do(ctx, w.cfg.Retry, w.log, func(ctx context.Context) (err error) {
		answer, err = w.answers.Answer(ctx, question)
		return err
	})
	if res.Err != nil {
		return "", res.Err
	}
	return answer, nil
}

// maybeNotifyStreak tells the owner at every multiple of the configured
// streak length. The task keeps its schedule regardless.
func (w *Worker) maybeNotifyStreak(task store.Task, failures int, lastErr error) {
	n := w.cfg.FailureNoticeAfter
	if n <= 0 || failures == 0 || failures%n != 0 {
		return
	}
	text := fmt.Sprintf("Task %q has failed %d times in a row (last error: %s). It stays scheduled; delete it with /delete %s if it is no longer useful.",
		task.Name, failures, failure.KindOf(lastErr), task.Name)
	// Plain text on purpose, the notice is not MarkdownV2-escaped.
	w.send(task.OwnerID, text, nil)
}

func (w *Worker) send(ownerID int64, text string, opts *transport.SendOptions) {
	err := w.delivery.Queue(notifier.Notification{
		Target:  transport.ChatTarget{ChatID: ownerID},
		Text:    text,
		Options: opts,
	})
	if err != nil {
		w.log.Warn("delivery enqueue failed", logx.Int64("chat_id", ownerID), logx.Err(err))
	}
}

// TaskEvent is the bus payload for task.* events.
type TaskEvent struct {
	ID       int64
	Name     string
	OwnerID  int64
	Duration time.Duration
	Attempts int
	Error    string
}

func (w *Worker) publish(typ string, task store.Task, took time.Duration, attempts int, err error) {
	if w.bus == nil {
		return
	}
	ev := TaskEvent{ID: task.ID, Name: task.Name, OwnerID: task.OwnerID, Duration: took, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	w.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
