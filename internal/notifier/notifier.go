// Package notifier is the async outbound delivery pipeline: a bounded
// queue drained by workers behind a shared rate limit. Delivery failures
// are logged, never propagated to the code that queued the message.
package notifier

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"askbot/internal/eventbus"
	"askbot/internal/failure"
	"askbot/internal/transport"
	logx "askbot/pkg/logx"
)

var (
	ErrQueueFull = failure.New(failure.Conflict, "notifier queue full")
	ErrStopped   = failure.New(failure.Conflict, "notifier stopped")
)

// Notification is one outbound message.
type Notification struct {
	Target  transport.ChatTarget
	Text    string
	Options *transport.SendOptions
}

// Config sizes the pipeline.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	return c
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter transport.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup

	queue    chan Notification
	workerWG sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		log:     log.With(logx.String("component", "notifier")),
		adapter: adapter,
		bus:     bus,
		cfg:     cfg,
		// Burst equals the per-second rate so short spikes drain quickly.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.accepting = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in notifier worker",
						logx.Int("worker", i),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
				}
			}()
			s.workerLoop()
		}()
	}
}

// Stop blocks intake and drains the queue best-effort until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	// In-flight Queue calls finish before the channel closes.
	enqDone := make(chan struct{})
	go func() {
		s.enqueueWG.Wait()
		close(enqDone)
	}()
	select {
	case <-ctx.Done():
		cancel()
		return
	case <-enqDone:
	}

	func() {
		defer func() { _ = recover() }()
		close(q)
	}()

	workersDone := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(workersDone)
	}()
	select {
	case <-ctx.Done():
	case <-workersDone:
	}
	cancel()

	s.mu.Lock()
	s.queue = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()
}

// Queue hands n to the pipeline. A full queue is reported to the caller;
// everything past this point is fire-and-forget.
func (s *Service) Queue(n Notification) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	if n.Text == "" {
		return nil
	}
	select {
	case q <- n:
		s.publish(eventbus.TopicNotifyQueued, n, nil)
		return nil
	default:
		s.publish(eventbus.TopicNotifyDropped, n, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for n := range q {
		select {
		case <-runCtx.Done():
			return
		default:
		}
		s.deliver(runCtx, n)
	}
}

func (s *Service) deliver(ctx context.Context, n Notification) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := s.adapter.SendText(callCtx, n.Target, n.Text, n.Options)
	cancel()
	if err != nil {
		s.log.Warn("delivery failed",
			logx.Int64("chat_id", n.Target.ChatID),
			logx.Err(err),
		)
		s.publish(eventbus.TopicNotifyFailed, n, err)
		return
	}
	s.publish(eventbus.TopicNotifySent, n, nil)
}

// DeliveryEvent is the bus payload for notify.* events.
type DeliveryEvent struct {
	ChatID int64
	At     time.Time
	Error  string
}

func (s *Service) publish(typ string, n Notification, err error) {
	if s.bus == nil {
		return
	}
	ev := DeliveryEvent{ChatID: n.Target.ChatID, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}
