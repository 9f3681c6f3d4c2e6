// Package scheduler runs the tracker on a cron schedule and answers chat
// commands between runs.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/louca1221/price-tracker/internal/model"
	"github.com/louca1221/price-tracker/internal/notifier"
)

// Runner performs one tracker run.
type Runner interface {
	Run(ctx context.Context) model.RunResult
}

// Scheduler owns the cron and serialises runs.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	ctx    context.Context
	logger zerolog.Logger

	runMu  sync.Mutex
	mu     sync.RWMutex
	last   *model.RunResult
	onDone func(model.RunResult)
}

// NewScheduler creates a Scheduler. ctx bounds every run it starts.
func NewScheduler(ctx context.Context, runner Runner, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cronLog := cron.VerbosePrintfLogger(&printfAdapter{logger: logger})
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cronLog)),
			cron.WithLogger(cronLog),
		),
		runner: runner,
		ctx:    ctx,
		logger: logger,
	}
}

// OnRunDone registers a callback invoked after every run.
func (s *Scheduler) OnRunDone(fn func(model.RunResult)) { s.onDone = fn }

// Register adds the tracker job on spec (six fields, seconds first).
func (s *Scheduler) Register(spec string) error {
	if _, err := s.cron.AddFunc(spec, func() { s.RunNow() }); err != nil {
		return fmt.Errorf("register run task: %w", err)
	}
	s.logger.Info().Str("spec", spec).Msg("run task registered")
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Msg("scheduler started")
}

// Stop stops the cron scheduler and waits for a running job.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

// RunNow executes a run immediately, waiting for any run in progress.
func (s *Scheduler) RunNow() model.RunResult {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	res := s.runner.Run(s.ctx)
	s.mu.Lock()
	s.last = &res
	s.mu.Unlock()
	if s.onDone != nil {
		s.onDone(res)
	}
	return res
}

// Last returns the most recent run result, or nil.
func (s *Scheduler) Last() *model.RunResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	res := *s.last
	return &res
}

// HandleCommand processes a chat command and returns a reply.
func (s *Scheduler) HandleCommand(_ context.Context, _ string, command string) string {
	switch command {
	case "/price", "/run":
		res := s.RunNow()
		if res.Status == model.RunSkipped {
			return "😴 Inactive day, run skipped."
		}
		// Success and failure notices already went out through the notifier.
		return ""
	case "/status":
		return notifier.FormatStatus(s.Last())
	default:
		return "Available commands:\n• /price run a scrape now\n• /status last run result"
	}
}

type printfAdapter struct{ logger zerolog.Logger }

func (p *printfAdapter) Printf(format string, v ...any) {
	p.logger.Debug().Msgf(format, v...)
}
