package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jaywantadh/disktrolink/pkg/logging"
)

func TestRunOnceContinuesPastFailures(t *testing.T) {
	var ran []string
	s := NewScheduler(time.Minute,
		Task{Name: "broken", Run: func(context.Context) (int, error) {
			ran = append(ran, "broken")
			return 0, errors.New("boom")
		}},
		Task{Name: "sweep", Run: func(context.Context) (int, error) {
			ran = append(ran, "sweep")
			return 3, nil
		}},
	).WithLogger(logging.Discard())

	s.RunOnce(context.Background())
	assert.Equal(t, []string{"broken", "sweep"}, ran)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(5*time.Millisecond, Task{Name: "count", Run: func(context.Context) (int, error) {
		calls.Add(1)
		return 0, nil
	}}).WithLogger(logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStartSignalsDoneAfterRunningTaskFinishes(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	s := NewScheduler(time.Millisecond, Task{Name: "slow", Run: func(context.Context) (int, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return 0, nil
	}}).WithLogger(logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := s.Start(ctx)
	<-entered
	cancel()

	select {
	case <-done:
		assert.True(t, finished.Load(), "done closed while a task was still running")
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
