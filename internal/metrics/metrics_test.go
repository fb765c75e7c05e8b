package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"askbot/internal/bot"
	"askbot/internal/eventbus"
	"askbot/internal/executor"
	logx "askbot/pkg/logx"
)

func TestObserveCommandEvents(t *testing.T) {
	t.Parallel()
	s := New(Config{}, eventbus.New(), logx.Nop())

	s.observe(eventbus.Event{Type: eventbus.TopicCommandHandled, Data: bot.CommandEvent{
		Command: "ask", Duration: 200 * time.Millisecond,
	}})
	s.observe(eventbus.Event{Type: eventbus.TopicCommandHandled, Data: bot.CommandEvent{
		Command: "ask", Duration: 100 * time.Millisecond, Error: "upstream down",
	}})

	if got := testutil.ToFloat64(s.commandsTotal.WithLabelValues("ask", "ok")); got != 1 {
		t.Fatalf("ok count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.commandsTotal.WithLabelValues("ask", "error")); got != 1 {
		t.Fatalf("error count = %v, want 1", got)
	}
}

func TestObserveTaskEvents(t *testing.T) {
	t.Parallel()
	s := New(Config{}, eventbus.New(), logx.Nop())

	s.observe(eventbus.Event{Type: eventbus.TopicTaskCompleted, Data: executor.TaskEvent{Duration: time.Second}})
	s.observe(eventbus.Event{Type: eventbus.TopicTaskFailed, Data: executor.TaskEvent{Duration: time.Second, Error: "x"}})
	s.observe(eventbus.Event{Type: eventbus.TopicTaskFailed, Data: "wrong payload type"})

	if got := testutil.ToFloat64(s.tasksTotal.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.tasksTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("failed runs = %v, want 1", got)
	}
}

func TestObserveDeliveryEvents(t *testing.T) {
	t.Parallel()
	s := New(Config{}, eventbus.New(), logx.Nop())

	for _, typ := range []string{eventbus.TopicNotifySent, eventbus.TopicNotifySent, eventbus.TopicNotifyFailed, eventbus.TopicNotifyDropped} {
		s.observe(eventbus.Event{Type: typ})
	}
	if got := testutil.ToFloat64(s.deliveriesTotal.WithLabelValues("sent")); got != 2 {
		t.Fatalf("sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(s.deliveriesTotal.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed = %v, want 1", got)
	}
}

func TestBusFeedsCollectors(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := New(Config{}, bus, logx.Nop())
	ctx := t.Context()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	bus.Publish(eventbus.Event{Type: eventbus.TopicCommandHandled, Data: bot.CommandEvent{Command: "list"}})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(s.commandsTotal.WithLabelValues("list", "ok")) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event never reached the collector")
}
