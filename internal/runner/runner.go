// Package runner sequences one tracker run: day gate, browser, session,
// login, extraction, report and delivery.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/louca1221/price-tracker/internal/browser"
	"github.com/louca1221/price-tracker/internal/collector"
	"github.com/louca1221/price-tracker/internal/config"
	"github.com/louca1221/price-tracker/internal/login"
	"github.com/louca1221/price-tracker/internal/model"
	"github.com/louca1221/price-tracker/internal/notifier"
	"github.com/louca1221/price-tracker/internal/selector"
	"github.com/louca1221/price-tracker/internal/session"
)

// Notifier delivers a message to every configured recipient.
type Notifier interface {
	Send(ctx context.Context, text string) model.DeliveryReport
}

// Time allowed for the screenshot and the failure notice once the run
// context is already done.
const (
	diagnosticTimeout = 10 * time.Second
	noticeTimeout     = 30 * time.Second
)

// Runner executes runs. Calls must not overlap; the session file has a
// single writer.
type Runner struct {
	cfg      *config.Config
	launcher browser.Launcher
	store    session.Store
	notifier Notifier
	days     config.DayPolicy
	now      func() time.Time
	logger   zerolog.Logger
}

// Option customises a Runner.
type Option func(*Runner)

// WithClock replaces time.Now, which drives the day gate and report dates.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a Runner.
func New(cfg *config.Config, launcher browser.Launcher, store session.Store, n Notifier, logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		launcher: launcher,
		store:    store,
		notifier: n,
		days:     cfg.ActiveDays(),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one run and reports its outcome. It never panics on site
// failures; they come back as RunFailure.
func (r *Runner) Run(ctx context.Context) model.RunResult {
	res := model.RunResult{RunID: uuid.NewString(), StartedAt: r.now()}
	log := r.logger.With().Str("run_id", res.RunID).Logger()
	defer func() {
		res.FinishedAt = r.now()
		log.Info().Str("status", string(res.Status)).Dur("took", res.FinishedAt.Sub(res.StartedAt)).Msg("run finished")
	}()

	if !r.days.Allows(res.StartedAt) {
		log.Info().Str("weekday", res.StartedAt.Weekday().String()).Stringer("active_days", r.days).Msg("inactive day, skipping")
		res.Status = model.RunSkipped
		return res
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeouts.Run)
	defer cancel()

	page, err := r.launch(ctx, runCtx, log)
	if err != nil {
		r.fail(ctx, &res, nil, fmt.Errorf("launch browser: %w", err), log)
		return res
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Warn().Err(err).Msg("close browser")
		}
	}()

	quote, err := r.scrape(runCtx, page, log)
	if err != nil {
		r.fail(ctx, &res, page, err, log)
		return res
	}

	report := notifier.BuildReport(r.now(), r.cfg.Site.Label, r.cfg.Site.Unit, quote)
	text := notifier.FormatReport(report, notifier.Options{StripPercentage: r.cfg.StripPercentage()})
	res.Quote = quote
	res.Status = model.RunSuccess
	res.Delivery = r.notifier.Send(runCtx, text)
	if res.Delivery.Err != nil {
		log.Error().Err(res.Delivery.Err).Msg("report not dispatched")
	} else if failed := res.Delivery.Failed(); len(failed) > 0 {
		log.Warn().Int("failed", len(failed)).Int("delivered", res.Delivery.Succeeded()).Msg("partial delivery")
	}
	return res
}

// launch starts the browser on ctx, so a screenshot is still possible after
// the run deadline, but gives up waiting once runCtx is done. A browser that
// arrives late is closed.
func (r *Runner) launch(ctx, runCtx context.Context, log zerolog.Logger) (browser.Page, error) {
	type launched struct {
		page browser.Page
		err  error
	}
	ch := make(chan launched, 1)
	go func() {
		page, err := r.launcher.Launch(ctx)
		ch <- launched{page, err}
	}()

	select {
	case l := <-ch:
		return l.page, l.err
	case <-runCtx.Done():
		go func() {
			if l := <-ch; l.err == nil {
				if err := l.page.Close(); err != nil {
					log.Warn().Err(err).Msg("close late browser")
				}
			}
		}()
		return nil, runCtx.Err()
	}
}

func (r *Runner) scrape(ctx context.Context, page browser.Page, log zerolog.Logger) (model.Quote, error) {
	restored := r.restore(ctx, page, log)

	if err := page.Navigate(ctx, r.cfg.Site.URL); err != nil {
		return model.Quote{}, err
	}

	resolver := selector.NewResolver(page, r.cfg.Timeouts.Poll, log)
	opts := login.OptionsFromConfig(r.cfg)
	opts.SessionRestored = restored
	machine := login.NewMachine(page, resolver, r.store, r.cfg.Credentials,
		login.TargetsFromConfig(r.cfg.Selectors), opts, log)
	if _, err := machine.Run(ctx); err != nil {
		return model.Quote{}, fmt.Errorf("login: %w", err)
	}

	col := collector.NewCollector(page, resolver, collector.TargetsFromConfig(r.cfg.Selectors),
		r.cfg.Timeouts.Extract, r.cfg.Timeouts.QuoteBlock, log)
	return col.Collect(ctx)
}

// restore loads the saved session into the page. A broken session file is
// logged and treated as absent.
func (r *Runner) restore(ctx context.Context, page browser.Page, log zerolog.Logger) bool {
	blob, ok, err := r.store.Load()
	if err != nil {
		log.Warn().Err(err).Msg("load session")
		return false
	}
	if !ok {
		log.Info().Msg("no saved session")
		return false
	}
	if err := page.RestoreState(ctx, blob); err != nil {
		log.Warn().Err(err).Msg("restore session")
		return false
	}
	log.Info().Msg("session restored")
	return true
}

// fail records err, captures a screenshot when a page exists and sends the
// failure notice. ctx is the caller's context; the run deadline may be past.
func (r *Runner) fail(ctx context.Context, res *model.RunResult, page browser.Page, err error, log zerolog.Logger) {
	log.Error().Err(err).Msg("run failed")
	res.Status = model.RunFailure
	res.Reason = err.Error()

	base := context.WithoutCancel(ctx)
	if page != nil {
		if path, serr := r.screenshot(base, page); serr != nil {
			log.Warn().Err(serr).Msg("diagnostic screenshot failed")
		} else {
			res.DiagnosticPath = path
			log.Info().Str("path", path).Msg("diagnostic screenshot saved")
		}
	}

	noticeCtx, cancel := context.WithTimeout(base, noticeTimeout)
	defer cancel()
	res.Delivery = r.notifier.Send(noticeCtx, notifier.FormatFailure(err, r.cfg.Diagnostics.FailureLimit))
	if res.Delivery.Err != nil {
		log.Error().Err(res.Delivery.Err).Msg("failure notice not dispatched")
	}
}

func (r *Runner) screenshot(ctx context.Context, page browser.Page) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, diagnosticTimeout)
	defer cancel()

	png, err := page.Screenshot(ctx)
	if err != nil {
		return "", err
	}
	path := r.cfg.Diagnostics.ScreenshotPath
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create screenshot dir: %w", err)
		}
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}
