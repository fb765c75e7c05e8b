// Package eventbus fans bot activity out to in-process observers. The
// command router, the task executor and the notifier publish; metrics
// subscribes. Nothing on the bus is durable.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by this bot. The payload type is fixed per topic:
// bot.CommandEvent on TopicCommandHandled, executor.TaskEvent on the
// task topics, notifier.DeliveryEvent on the notify topics.
const (
	TopicCommandHandled = "command.handled"
	TopicTaskCompleted  = "task.completed"
	TopicTaskFailed     = "task.failed"
	TopicNotifyQueued   = "notify.queued"
	TopicNotifySent     = "notify.sent"
	TopicNotifyFailed   = "notify.failed"
	TopicNotifyDropped  = "notify.dropped"
)

// Event is one observation. Data is small and topic-specific.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus decouples publishers from observers. Publish never blocks; a
// subscriber that falls behind its buffer loses events.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking send, drop on a full buffer. A concurrent
		// unsubscribe closes the channel mid-send; recover covers that.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
