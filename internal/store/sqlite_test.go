package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "askbot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "askbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateTask(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, 1, "crypto", 30*time.Minute, "BTC price?")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if got := task.NextRunAt.Sub(task.CreatedAt); got != 30*time.Minute {
		t.Fatalf("first due offset = %v, want 30m", got)
	}
	if task.Failures != 0 || task.Running {
		t.Fatal("new task should be idle with zero failures")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateTask(ctx, 1, "fast", 30*time.Second, "q"); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("short interval: %v", err)
	}
	if _, err := s.CreateTask(ctx, 1, "empty", time.Hour, "   "); !errors.Is(err, ErrInvalidQuestion) {
		t.Fatalf("blank question: %v", err)
	}
	if _, err := s.CreateTask(ctx, 1, " ", time.Hour, "q"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("blank name: %v", err)
	}

	// Nothing was stored.
	tasks, err := s.ListTasks(ctx, 1)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks = %d, want 0", len(tasks))
	}
}

func TestCreateTaskDuplicateName(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateTask(ctx, 1, "weather", time.Hour, "Weather in Oslo?")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.CreateTask(ctx, 1, "weather", 2*time.Hour, "other"); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate: %v", err)
	}

	// The pre-existing row is unchanged.
	tasks, err := s.ListTasks(ctx, 1)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Question != first.Question || tasks[0].Interval != time.Hour {
		t.Fatalf("existing row changed: %+v", tasks)
	}

	// The same name under a different owner is fine.
	if _, err := s.CreateTask(ctx, 2, "weather", time.Hour, "Weather in Oslo?"); err != nil {
		t.Fatalf("other owner: %v", err)
	}
}

func TestListTasksCreationOrder(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"c", "a", "b"} {
		if _, err := s.CreateTask(ctx, 7, name, time.Hour, "q"); err != nil {
			t.Fatalf("CreateTask %s: %v", name, err)
		}
	}
	tasks, err := s.ListTasks(ctx, 7)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	var got []string
	for _, task := range tasks {
		got = append(got, task.Name)
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestDueTasksWindow(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, 1, "crypto", 30*time.Minute, "BTC price?")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	due, err := s.DueTasks(ctx, time.Now())
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("due before interval elapsed = %d, want 0", len(due))
	}

	due, err = s.DueTasks(ctx, time.Now().Add(30*time.Minute))
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 1 || due[0].ID != task.ID || due[0].Name != "crypto" {
		t.Fatalf("due after interval = %+v", due)
	}
}

func TestMarkRunningExclusive(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, 1, "t", time.Hour, "q")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("first MarkRunning: %v", err)
	}
	if err := s.MarkRunning(ctx, task.ID); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second MarkRunning: %v", err)
	}
	if err := s.MarkRunning(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing MarkRunning: %v", err)
	}

	// A running task is not offered as due again.
	due, err := s.DueTasks(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("running task offered as due: %+v", due)
	}
}

// At most one in-flight execution per task holds for every interleaving of
// concurrent ticks.
func TestMarkRunningConcurrent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, 1, "contended", time.Hour, "q")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	const rounds = 20
	const callers = 8
	for round := 0; round < rounds; round++ {
		var (
			wg   sync.WaitGroup
			wins int64
			mu   sync.Mutex
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.MarkRunning(ctx, task.ID)
				switch {
				case err == nil:
					mu.Lock()
					wins++
					mu.Unlock()
				case errors.Is(err, ErrAlreadyRunning):
				default:
					t.Errorf("MarkRunning: %v", err)
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("round %d: %d callers won, want exactly 1", round, wins)
		}
		if _, err := s.CompleteTask(ctx, task.ID, true, time.Now()); err != nil {
			t.Fatalf("CompleteTask: %v", err)
		}
	}
}

func TestCompleteTaskReschedules(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, 1, "t", time.Hour, "q")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	completedAt := time.Now()
	if _, err := s.CompleteTask(ctx, task.ID, true, completedAt); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	tasks, err := s.ListTasks(ctx, 1)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	got := tasks[0]
	if got.Running {
		t.Fatal("in-flight flag not cleared")
	}
	// next_run_at never regresses below the completion time.
	if got.NextRunAt.Before(completedAt.Truncate(time.Millisecond)) {
		t.Fatalf("next run %v before completion %v", got.NextRunAt, completedAt)
	}
	if want := got.LastRunAt.Add(time.Hour); !got.NextRunAt.Equal(want) {
		t.Fatalf("next run = %v, want %v", got.NextRunAt, want)
	}
	if got.LastRunAt.IsZero() {
		t.Fatal("last run not recorded")
	}
}

func TestCompleteTaskFailureCounter(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, 1, "flaky", time.Hour, "q")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	for want := 1; want <= 3; want++ {
		if err := s.MarkRunning(ctx, task.ID); err != nil {
			t.Fatalf("MarkRunning: %v", err)
		}
		failures, err := s.CompleteTask(ctx, task.ID, false, time.Now())
		if err != nil {
			t.Fatalf("CompleteTask: %v", err)
		}
		if failures != want {
			t.Fatalf("failures = %d, want %d", failures, want)
		}
	}

	// Success resets the streak.
	if err := s.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	failures, err := s.CompleteTask(ctx, task.ID, true, time.Now())
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if failures != 0 {
		t.Fatalf("failures after success = %d, want 0", failures)
	}
}

func TestDeleteMidExecution(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, 1, "doomed", time.Hour, "q")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	// Deletion succeeds even while in flight.
	if err := s.DeleteTask(ctx, 1, "doomed"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}

	// The late complete is a no-op and must not recreate the row.
	if _, err := s.CompleteTask(ctx, task.ID, true, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale CompleteTask: %v", err)
	}
	tasks, err := s.ListTasks(ctx, 1)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("deleted task resurrected: %+v", tasks)
	}
}

func TestReleaseTask(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, 1, "abandoned", time.Minute, "q")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := s.ReleaseTask(ctx, task.ID); err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}

	// The task is idle again, still due at its original slot, and with no
	// run recorded.
	due, err := s.DueTasks(ctx, time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 1 || due[0].ID != task.ID {
		t.Fatalf("released task not due: %+v", due)
	}
	if !due[0].LastRunAt.IsZero() {
		t.Fatalf("release recorded a run: %v", due[0].LastRunAt)
	}
	if err := s.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("MarkRunning after release: %v", err)
	}
}

func TestReopenRecoversClaimedTasks(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "askbot.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	task, err := s.CreateTask(ctx, 1, "crypto", time.Minute, "BTC price?")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	// The process dies here; the claim was never completed.
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	due, err := s.DueTasks(ctx, time.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DueTasks: %v", err)
	}
	if len(due) != 1 || due[0].ID != task.ID {
		t.Fatalf("task still wedged after reopen: %+v", due)
	}
	if err := s.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("MarkRunning after reopen: %v", err)
	}
}

func TestDeleteTaskNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if err := s.DeleteTask(context.Background(), 1, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteTask: %v", err)
	}
}

func TestAppendStatAndUserSummary(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	day := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	events := []StatEvent{
		{Command: "ask", UserID: 5, At: day, Duration: 100 * time.Millisecond, OK: true},
		{Command: "ask", UserID: 5, At: day.Add(time.Hour), Duration: 200 * time.Millisecond, OK: false, ErrorKind: "transient"},
		{Command: "list", UserID: 6, At: day, Duration: 10 * time.Millisecond, OK: true},
	}
	for _, ev := range events {
		if err := s.AppendStat(ctx, ev); err != nil {
			t.Fatalf("AppendStat: %v", err)
		}
	}

	sum, err := s.UserSummary(ctx, 5)
	if err != nil {
		t.Fatalf("UserSummary: %v", err)
	}
	if sum.TotalCommands != 2 {
		t.Fatalf("total = %d, want 2", sum.TotalCommands)
	}
	if sum.ActiveDays != 1 {
		t.Fatalf("active days = %d, want 1", sum.ActiveDays)
	}
	if sum.AvgDurationMS != 150 {
		t.Fatalf("avg = %v, want 150", sum.AvgDurationMS)
	}
	if sum.ErrorRate != 0.5 {
		t.Fatalf("error rate = %v, want 0.5", sum.ErrorRate)
	}
}

func TestUserSummaryEmpty(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	sum, err := s.UserSummary(context.Background(), 404)
	if err != nil {
		t.Fatalf("UserSummary: %v", err)
	}
	if sum.TotalCommands != 0 || sum.ErrorRate != 0 || sum.AvgDurationMS != 0 {
		t.Fatalf("empty summary = %+v", sum)
	}
}

func TestCommandSummary(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := s.AppendStat(ctx, StatEvent{Command: "ask", UserID: 1, At: now, Duration: 50 * time.Millisecond, OK: true}); err != nil {
			t.Fatalf("AppendStat: %v", err)
		}
	}
	if err := s.AppendStat(ctx, StatEvent{Command: "create", UserID: 1, At: now, Duration: 30 * time.Millisecond, OK: false, ErrorKind: "validation"}); err != nil {
		t.Fatalf("AppendStat: %v", err)
	}

	usage, err := s.CommandSummary(ctx)
	if err != nil {
		t.Fatalf("CommandSummary: %v", err)
	}
	if len(usage) != 2 {
		t.Fatalf("groups = %d, want 2", len(usage))
	}
	// Most used first.
	if usage[0].Command != "ask" || usage[0].Count != 3 || usage[0].ErrorRate != 0 {
		t.Fatalf("ask group = %+v", usage[0])
	}
	if usage[1].Command != "create" || usage[1].Count != 1 || usage[1].ErrorRate != 1 {
		t.Fatalf("create group = %+v", usage[1])
	}
}

func TestAppendStatConcurrent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 10
	const perWriter = 20
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				ev := StatEvent{Command: "scheduled_task", UserID: int64(w), Duration: time.Millisecond, OK: true}
				if err := s.AppendStat(ctx, ev); err != nil {
					t.Errorf("AppendStat: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	usage, err := s.CommandSummary(ctx)
	if err != nil {
		t.Fatalf("CommandSummary: %v", err)
	}
	if len(usage) != 1 || usage[0].Count != writers*perWriter {
		t.Fatalf("usage = %+v, want %d events", usage, writers*perWriter)
	}
}
