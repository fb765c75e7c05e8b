package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"askbot/internal/store"
	logx "askbot/pkg/logx"
)

type fakeSource struct {
	mu       sync.Mutex
	due      []store.Task
	dueErr   error
	claims   []int64
	claimBy  map[int64]error
	released []int64
}

func (f *fakeSource) DueTasks(context.Context, time.Time) ([]store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dueErr != nil {
		return nil, f.dueErr
	}
	return append([]store.Task(nil), f.due...), nil
}

func (f *fakeSource) MarkRunning(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.claimBy[id]; ok {
		return err
	}
	f.claims = append(f.claims, id)
	return nil
}

func (f *fakeSource) ReleaseTask(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeSource) releasedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.released...)
}

type fakeRunner struct {
	mu  sync.Mutex
	ran []int64
}

func (f *fakeRunner) Execute(_ context.Context, task store.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, task.ID)
}

func (f *fakeRunner) ranIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ran...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestTickClaimsAndEnqueues(t *testing.T) {
	t.Parallel()
	src := &fakeSource{due: []store.Task{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}}
	runner := &fakeRunner{}
	s := New(Config{Tick: time.Hour, Workers: 2, QueueSize: 8}, src, runner, logx.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	s.mu.Lock()
	queue := s.queue
	ctx := s.runCtx
	s.mu.Unlock()
	s.tick(ctx, queue)

	waitFor(t, func() bool { return len(runner.ranIDs()) == 2 })
	if len(src.claims) != 2 {
		t.Fatalf("claims = %v", src.claims)
	}
}

func TestTickSkipsAlreadyRunning(t *testing.T) {
	t.Parallel()
	src := &fakeSource{
		due:     []store.Task{{ID: 1}, {ID: 2}},
		claimBy: map[int64]error{1: store.ErrAlreadyRunning},
	}
	runner := &fakeRunner{}
	s := New(Config{Tick: time.Hour, Workers: 1, QueueSize: 8}, src, runner, logx.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	s.mu.Lock()
	queue := s.queue
	ctx := s.runCtx
	s.mu.Unlock()
	s.tick(ctx, queue)

	waitFor(t, func() bool {
		ids := runner.ranIDs()
		return len(ids) == 1 && ids[0] == 2
	})
}

func TestTickSkipsDeletedTask(t *testing.T) {
	t.Parallel()
	src := &fakeSource{
		due:     []store.Task{{ID: 7}},
		claimBy: map[int64]error{7: store.ErrNotFound},
	}
	runner := &fakeRunner{}
	s := New(Config{}, src, runner, logx.Nop())

	queue := make(chan store.Task, 4)
	s.tick(context.Background(), queue)
	if len(queue) != 0 {
		t.Fatal("deleted task was enqueued")
	}
}

func TestTickSurvivesStorageError(t *testing.T) {
	t.Parallel()
	src := &fakeSource{dueErr: errors.New("database is locked")}
	s := New(Config{}, src, &fakeRunner{}, logx.Nop())

	// Must log and return, not panic.
	s.tick(context.Background(), make(chan store.Task, 1))
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	s := New(Config{Tick: time.Hour}, &fakeSource{}, &fakeRunner{}, logx.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	s.Stop(ctx)
}

type blockingRunner struct {
	mu      sync.Mutex
	started int
	release chan struct{}
}

func (r *blockingRunner) Execute(context.Context, store.Task) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	<-r.release
}

func (r *blockingRunner) startedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func TestStopReleasesQueuedClaims(t *testing.T) {
	t.Parallel()
	src := &fakeSource{due: []store.Task{{ID: 1}, {ID: 2}, {ID: 3}}}
	runner := &blockingRunner{release: make(chan struct{})}
	s := New(Config{Tick: time.Hour, Workers: 1, QueueSize: 8}, src, runner, logx.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.mu.Lock()
	queue := s.queue
	ctx := s.runCtx
	s.mu.Unlock()
	s.tick(ctx, queue)

	// The single worker takes one task and blocks; two claims stay queued.
	waitFor(t, func() bool { return runner.startedCount() == 1 })

	stopCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Stop(stopCtx)
	close(runner.release)

	released := src.releasedIDs()
	if len(released) != 2 {
		t.Fatalf("released = %v, want the two claims that never ran", released)
	}
}

func TestCronDrivesTick(t *testing.T) {
	t.Parallel()
	src := &fakeSource{due: []store.Task{{ID: 1}}}
	runner := &fakeRunner{}
	s := New(Config{Tick: 100 * time.Millisecond, Workers: 1, QueueSize: 4}, src, runner, logx.Nop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	waitFor(t, func() bool { return len(runner.ranIDs()) >= 1 })
}
