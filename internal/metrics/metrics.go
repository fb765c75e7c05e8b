// Package metrics exposes Prometheus counters fed from the event bus and
// serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"askbot/internal/bot"
	"askbot/internal/eventbus"
	"askbot/internal/executor"
	logx "askbot/pkg/logx"
)

// Config controls the exposition endpoint.
type Config struct {
	Enabled bool
	Addr    string
}

// Service subscribes to the bus and maintains the collectors.
type Service struct {
	cfg Config
	bus eventbus.Bus
	log logx.Logger

	registry *prometheus.Registry
	server   *http.Server
	unsub    func()
	done     chan struct{}

	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	tasksTotal      *prometheus.CounterVec
	taskDuration    prometheus.Histogram
	deliveriesTotal *prometheus.CounterVec
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Service{
		cfg:      cfg,
		bus:      bus,
		log:      log.With(logx.String("component", "metrics")),
		registry: reg,
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "askbot_commands_total",
			Help: "Chat commands handled, by command and outcome",
		}, []string{"command", "outcome"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "askbot_command_duration_seconds",
			Help:    "Command handling duration in seconds",
			Buckets: []float64{.005, .025, .1, .5, 1, 2.5, 5, 15, 45, 90},
		}, []string{"command"}),
		tasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "askbot_task_runs_total",
			Help: "Recurring task executions, by outcome",
		}, []string{"outcome"}),
		taskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "askbot_task_run_duration_seconds",
			Help:    "Recurring task execution duration in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 15, 45, 90, 180},
		}),
		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "askbot_deliveries_total",
			Help: "Outbound message deliveries, by result",
		}, []string{"result"}),
	}
}

// Start subscribes to the bus and, when enabled, serves /metrics.
func (s *Service) Start(ctx context.Context) error {
	ch, unsub := s.bus.Subscribe(256)
	s.unsub = unsub
	s.done = make(chan struct{})
	go s.consume(ch)

	if !s.cfg.Enabled {
		return nil
	}
	addr := s.cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", logx.Err(err))
		}
	}()
	s.log.Info("metrics listening", logx.String("addr", addr))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.unsub != nil {
		s.unsub()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
}

func (s *Service) consume(ch <-chan eventbus.Event) {
	defer close(s.done)
	for ev := range ch {
		s.observe(ev)
	}
}

func (s *Service) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TopicCommandHandled:
		data, ok := ev.Data.(bot.CommandEvent)
		if !ok {
			return
		}
		outcome := "ok"
		if data.Error != "" {
			outcome = "error"
		}
		s.commandsTotal.WithLabelValues(data.Command, outcome).Inc()
		s.commandDuration.WithLabelValues(data.Command).Observe(data.Duration.Seconds())
	case eventbus.TopicTaskCompleted, eventbus.TopicTaskFailed:
		data, ok := ev.Data.(executor.TaskEvent)
		if !ok {
			return
		}
		outcome := "ok"
		if ev.Type == eventbus.TopicTaskFailed {
			outcome = "error"
		}
		s.tasksTotal.WithLabelValues(outcome).Inc()
		s.taskDuration.Observe(data.Duration.Seconds())
	case eventbus.TopicNotifySent:
		s.deliveriesTotal.WithLabelValues("sent").Inc()
	case eventbus.TopicNotifyFailed:
		s.deliveriesTotal.WithLabelValues("failed").Inc()
	case eventbus.TopicNotifyDropped:
		s.deliveriesTotal.WithLabelValues("dropped").Inc()
	}
}
