// Package scheduler polls the task store on a fixed tick, claims due
// tasks and hands them to a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"askbot/internal/store"
	logx "askbot/pkg/logx"
)

// TaskSource is the slice of the store each tick reads and claims from.
type TaskSource interface {
	DueTasks(ctx context.Context, now time.Time) ([]store.Task, error)
	MarkRunning(ctx context.Context, id int64) error
	ReleaseTask(ctx context.Context, id int64) error
}

// Runner executes one claimed task to completion.
type Runner interface {
	Execute(ctx context.Context, task store.Task)
}

// Config tunes the loop.
type Config struct {
	// Tick is the poll interval.
	Tick time.Duration
	// Workers is the pool size, QueueSize the claim buffer.
	Workers   int
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	cfg    Config
	source TaskSource
	runner Runner
	log    logx.Logger

	c        *cron.Cron
	queue    chan store.Task
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, source TaskSource, runner Runner, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		source: source,
		runner: runner,
		log:    log.With(logx.String("component", "scheduler")),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}

	s.stopCh = make(chan struct{})
	s.queue = make(chan store.Task, s.cfg.QueueSize)
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in scheduler worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}

	s.c = cron.New()
	spec := fmt.Sprintf("@every %s", s.cfg.Tick.String())
	if _, err := s.c.AddFunc(spec, func() { s.tick(runCtx, queue) }); err != nil {
		s.runCancel()
		close(s.stopCh)
		s.stopCh = nil
		return err
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.Tick),
		logx.Int("workers", s.cfg.Workers),
	)
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	queue := s.queue
	s.c = nil
	s.stopCh = nil
	s.runCancel = nil
	s.runCtx = nil
	s.queue = nil
	s.mu.Unlock()

	close(stopCh)
	cancel()
	if c != nil {
		<-c.Stop().Done()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out, workers finish in background")
	}

	// Workers exit without draining, so claimed tasks may still sit in the
	// queue. Release the claims or the tasks stay unschedulable forever.
	s.release(queue)
}

func (s *Service) release(queue <-chan store.Task) {
	for {
		select {
		case task := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := s.source.ReleaseTask(ctx, task.ID)
			cancel()
			if err != nil {
				s.log.Error("task release failed",
					logx.Int64("task_id", task.ID),
					logx.Err(err),
				)
				continue
			}
			s.log.Debug("released unstarted claim",
				logx.Int64("task_id", task.ID),
				logx.String("task", task.Name),
			)
		default:
			return
		}
	}
}

// tick claims everything due right now. A task another tick already
// claimed surfaces as ErrAlreadyRunning and is skipped.
func (s *Service) tick(ctx context.Context, queue chan store.Task) {
	now := time.Now()
	due, err := s.source.DueTasks(ctx, now)
	if err != nil {
		s.log.Error("due task query failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Debug("tick", logx.Int("due", len(due)))

	for _, task := range due {
		if err := s.source.MarkRunning(ctx, task.ID); err != nil {
			switch {
			case errors.Is(err, store.ErrAlreadyRunning):
				s.log.Debug("task already in flight",
					logx.Int64("task_id", task.ID),
					logx.String("task", task.Name),
				)
			case errors.Is(err, store.ErrNotFound):
				s.log.Debug("task deleted between query and claim",
					logx.Int64("task_id", task.ID),
				)
			default:
				s.log.Error("task claim failed",
					logx.Int64("task_id", task.ID),
					logx.Err(err),
				)
			}
			continue
		}
		select {
		case queue <- task:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan store.Task) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case task := <-queue:
			s.runner.Execute(ctx, task)
		}
	}
}
