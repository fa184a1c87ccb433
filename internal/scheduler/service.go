// Package scheduler periodically scans the store for due posts and hands
// them to the delivery workers.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"autopost/internal/queue"
)

var timeNow = time.Now

const DefaultInterval = 10 * time.Second

// Dispatcher accepts due post ids without blocking.
type Dispatcher interface {
	Submit(id string) bool
}

type Options struct {
	Interval     time.Duration
	ClaimTimeout time.Duration
}

type Service struct {
	repo     queue.Repository
	dispatch Dispatcher
	cron     *cron.Cron

	mu      sync.Mutex
	opts    Options
	job     cron.Job
	entry   cron.EntryID
	stop    chan struct{}
	stopped sync.Once
}

func NewService(repo queue.Repository, d Dispatcher, opts Options) *Service {
	l := cronLogger{}
	return &Service{
		repo:     repo,
		dispatch: d,
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		opts: normalize(opts),
		stop: make(chan struct{}),
	}
}

func normalize(o Options) Options {
	if o.Interval < time.Second {
		o.Interval = DefaultInterval
	}
	return o
}

// Start runs an immediate scan, then one scan per interval until ctx is
// done or Stop is called. It returns after the running scan finishes.
func (s *Service) Start(ctx context.Context) {
	s.Tick(ctx, timeNow())

	s.mu.Lock()
	s.job = cron.FuncJob(func() { s.Tick(ctx, timeNow()) })
	s.entry = s.cron.Schedule(cron.Every(s.opts.Interval), s.job)
	interval := s.opts.Interval
	s.mu.Unlock()

	s.cron.Start()
	log.Info().Dur("interval", interval).Msg("schedule service started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	log.Info().Msg("schedule service stopped")
}

func (s *Service) Stop() {
	s.stopped.Do(func() { close(s.stop) })
}

// Apply swaps the scan options. A changed interval takes effect from the
// next scan.
func (s *Service) Apply(opts Options) {
	opts = normalize(opts)
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.opts
	s.opts = opts
	if s.job == nil || old.Interval == opts.Interval {
		return
	}
	s.cron.Remove(s.entry)
	s.entry = s.cron.Schedule(cron.Every(opts.Interval), s.job)
	log.Info().Dur("interval", opts.Interval).Msg("scan interval changed")
}

// Scan lists the ids of posts due at now. It does not change any state.
func (s *Service) Scan(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	timeout := s.opts.ClaimTimeout
	s.mu.Unlock()
	return s.repo.DueIDs(ctx, now, timeout)
}

// Tick scans and dispatches every due post. It reports how many ids the
// dispatcher accepted.
func (s *Service) Tick(ctx context.Context, now time.Time) int {
	ids, err := s.Scan(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to scan due posts")
		return 0
	}
	n := 0
	for _, id := range ids {
		if s.dispatch.Submit(id) {
			n++
		}
	}
	if len(ids) > 0 {
		log.Debug().Int("due", len(ids)).Int("dispatched", n).Msg("due posts dispatched")
	}
	return n
}
