package lifecycle

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/disktrolink/pkg/logging"
)

// Task is one periodic maintenance job. It returns how many items it
// reclaimed, for logging.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Scheduler runs its tasks every interval until the context is cancelled.
type Scheduler struct {
	interval time.Duration
	tasks    []Task
	log      *logrus.Entry
}

func NewScheduler(interval time.Duration, tasks ...Task) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		interval: interval,
		tasks:    tasks,
		log:      logging.For("lifecycle"),
	}
}

func (s *Scheduler) WithLogger(l *logrus.Entry) *Scheduler {
	s.log = l
	return s
}

// RunOnce executes every task in order. A failing task does not stop the
// rest; failures are logged.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			return
		}
		n, err := t.Run(ctx)
		if err != nil {
			s.log.WithError(err).WithField("task", t.Name).Error("maintenance task failed")
			continue
		}
		if n > 0 {
			s.log.WithFields(logrus.Fields{"task": t.Name, "reclaimed": n}).Info("maintenance task reclaimed items")
		}
	}
}

// Run blocks, running the tasks on every tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.WithField("interval", s.interval).Info("lifecycle scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info("lifecycle scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Start runs the scheduler in a goroutine. The returned channel is closed
// once it has stopped and no task is running, so callers can release what
// the tasks use.
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	return done
}
