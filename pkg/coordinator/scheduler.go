package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/logger"
	"chatsync/pkg/syncerr"
	"chatsync/pkg/timeutil"
)

// Scheduler refreshes the directory on a cron schedule, independently of any
// open conversation.
type Scheduler struct {
	cron string
	job  func(ctx context.Context) error
	now  func() time.Time

	mu      sync.Mutex
	running bool
	runs    int
}

func NewScheduler(cron string, job func(ctx context.Context) error) *Scheduler {
	return &Scheduler{cron: cron, job: job, now: timeutil.Now}
}

// Start runs the schedule until ctx ends or the returned cancel is called.
func (s *Scheduler) Start(ctx context.Context) (context.CancelFunc, error) {
	if !gronx.IsValid(s.cron) {
		return nil, syncerr.Newf(syncerr.ErrInvalidOperation, "invalid refresh cron %q", s.cron)
	}
	ctx, cancel := context.WithCancel(ctx)
	logger.Info("refresh_scheduler_started", "cron", s.cron)
	go s.loop(ctx)
	return cancel, nil
}

// RunNow runs the job unless a run is already in progress.
func (s *Scheduler) RunNow(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.runs++
		s.mu.Unlock()
	}()

	if err := s.job(ctx); err != nil {
		logger.Warn("scheduled_refresh_failed", "error", err)
	}
}

// Runs reports how many runs have completed.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			logger.Error("refresh_nexttick_failed", "cron", s.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := next.Sub(s.now())
		if wait <= 0 {
			s.RunNow(ctx)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			s.RunNow(ctx)
		case <-ctx.Done():
			logger.Info("refresh_scheduler_stopped")
			return
		}
	}
}
