// Package login drives the site's sign-in flow as a small state machine.
package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/louca1221/price-tracker/internal/browser"
	"github.com/louca1221/price-tracker/internal/config"
	"github.com/louca1221/price-tracker/internal/selector"
	"github.com/louca1221/price-tracker/internal/session"
)

// ErrLoginFailed means the authenticated marker never appeared after submit
// and one recovery navigation.
var ErrLoginFailed = errors.New("login failed")

// State is a step of the login flow.
type State int

const (
	CheckingLoginStatus State = iota
	AlreadyAuthenticated
	NeedsLogin
	OpeningLoginSurface
	FillingCredentials
	Submitting
	VerifyingResult
	Authenticated
	LoginFailed
)

var stateNames = [...]string{
	CheckingLoginStatus:  "checking_login_status",
	AlreadyAuthenticated: "already_authenticated",
	NeedsLogin:           "needs_login",
	OpeningLoginSurface:  "opening_login_surface",
	FillingCredentials:   "filling_credentials",
	Submitting:           "submitting",
	VerifyingResult:      "verifying_result",
	Authenticated:        "authenticated",
	LoginFailed:          "login_failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Targets are the selector specs the flow needs.
type Targets struct {
	AuthMarker   selector.Spec
	LoginTrigger selector.Spec
	Identifier   selector.Spec
	Secret       selector.Spec
	Submit       selector.Spec
	LoginSurface selector.Spec
}

// TargetsFromConfig builds Targets from configured selectors.
func TargetsFromConfig(s config.Selectors) Targets {
	return Targets{
		AuthMarker:   selector.NewSpec("auth marker", s.AuthMarker...),
		LoginTrigger: selector.NewSpec("login trigger", s.LoginTrigger...),
		Identifier:   selector.NewSpec("identifier field", s.Identifier...),
		Secret:       selector.NewSpec("secret field", s.Secret...),
		Submit:       selector.NewSpec("submit button", s.Submit...),
		LoginSurface: selector.NewSpec("login surface", s.LoginSurface...),
	}
}

// Options tunes timing and behaviour.
type Options struct {
	TargetURL    string
	FillStrategy string
	// TriggerActivation is config.ActivatePointer to click the login trigger
	// with the mouse first. Event dispatch is always the fallback.
	TriggerActivation string
	KeyDelay          time.Duration
	SubmitPause      time.Duration
	SurfaceTimeout   time.Duration
	VerifyTimeout    time.Duration
	RecheckTimeout   time.Duration
	PollInterval     time.Duration
	ReloadAfterLogin bool
	// SessionRestored tells the machine a saved session was loaded into the
	// page, so a failed check must discard it.
	SessionRestored bool
}

// OptionsFromConfig fills Options from the config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		TargetURL:         cfg.Site.URL,
		FillStrategy:      cfg.Login.FillStrategy,
		TriggerActivation: cfg.Login.TriggerActivation,
		KeyDelay:          cfg.Login.KeyDelay,
		SubmitPause:       cfg.Login.SubmitPause,
		SurfaceTimeout:    cfg.Timeouts.LoginSurface,
		VerifyTimeout:     cfg.Timeouts.Verify,
		RecheckTimeout:    cfg.Timeouts.Recheck,
		PollInterval:      cfg.Timeouts.Poll,
		ReloadAfterLogin:  cfg.ReloadAfterLogin(),
	}
}

// Machine runs the login flow on one page.
type Machine struct {
	page     browser.Page
	resolver *selector.Resolver
	store    session.Store
	creds    config.Credentials
	targets  Targets
	opts     Options
	logger   zerolog.Logger

	state   State
	surface string
}

// NewMachine creates a Machine.
func NewMachine(page browser.Page, resolver *selector.Resolver, store session.Store,
	creds config.Credentials, targets Targets, opts Options, logger zerolog.Logger) *Machine {
	return &Machine{
		page:     page,
		resolver: resolver,
		store:    store,
		creds:    creds,
		targets:  targets,
		opts:     opts,
		logger:   logger.With().Str("component", "login").Logger(),
		state:    CheckingLoginStatus,
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

func (m *Machine) enter(s State) {
	m.state = s
	m.logger.Info().Stringer("state", s).Msg("login state")
}

// Run drives the flow to AlreadyAuthenticated or Authenticated. Any other
// terminal state comes back as an error.
func (m *Machine) Run(ctx context.Context) (State, error) {
	m.enter(CheckingLoginStatus)
	_, loggedIn, err := m.resolver.Probe(ctx, m.targets.AuthMarker)
	if err != nil {
		return m.state, fmt.Errorf("check login status: %w", err)
	}
	if loggedIn {
		m.enter(AlreadyAuthenticated)
		return m.state, nil
	}

	m.enter(NeedsLogin)
	if m.opts.SessionRestored {
		if err := m.store.Discard(); err != nil {
			m.logger.Warn().Err(err).Msg("discard stale session")
		}
	}

	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{OpeningLoginSurface, m.openSurface},
		{FillingCredentials, m.fill},
		{Submitting, m.submit},
		{VerifyingResult, m.verify},
	}
	for _, step := range steps {
		m.enter(step.state)
		if err := step.fn(ctx); err != nil {
			if errors.Is(err, ErrLoginFailed) {
				m.enter(LoginFailed)
			}
			return m.state, err
		}
	}

	m.enter(Authenticated)
	if err := m.persist(ctx); err != nil {
		return m.state, err
	}
	if m.opts.ReloadAfterLogin {
		if err := m.page.Navigate(ctx, m.opts.TargetURL); err != nil {
			return m.state, fmt.Errorf("reload after login: %w", err)
		}
	}
	return m.state, nil
}

// openSurface activates the login trigger unless a credential field is
// already on the page.
func (m *Machine) openSurface(ctx context.Context) error {
	_, open, err := m.resolver.Probe(ctx, m.targets.Identifier)
	if err != nil {
		return err
	}
	if open {
		m.logger.Debug().Msg("login surface already open")
		return nil
	}

	trigger, ok, err := m.resolver.Probe(ctx, m.targets.LoginTrigger)
	if err != nil {
		return err
	}
	if !ok {
		m.logger.Warn().Strs("tried", m.targets.LoginTrigger.Candidates).Msg("login trigger not found, waiting for form anyway")
		return nil
	}
	if err := m.activate(ctx, trigger); err != nil {
		return fmt.Errorf("open login surface: %w", err)
	}
	m.logger.Debug().Str("locator", trigger).Msg("login trigger activated")
	return nil
}

func (m *Machine) activate(ctx context.Context, loc string) error {
	if m.opts.TriggerActivation == config.ActivatePointer {
		err := m.page.Click(ctx, loc)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		m.logger.Debug().Err(err).Str("locator", loc).Msg("pointer click failed, dispatching")
	}
	return m.page.DispatchClick(ctx, loc)
}

func (m *Machine) fill(ctx context.Context) error {
	idLoc, err := m.resolver.Resolve(ctx, m.targets.Identifier, m.opts.SurfaceTimeout)
	if err != nil {
		return fmt.Errorf("wait for login form: %w", err)
	}
	secretLoc, err := m.resolver.Resolve(ctx, m.targets.Secret, m.opts.SurfaceTimeout)
	if err != nil {
		return fmt.Errorf("wait for login form: %w", err)
	}

	if err := m.input(ctx, idLoc, m.creds.Identifier); err != nil {
		return fmt.Errorf("fill identifier: %w", err)
	}
	if err := m.input(ctx, secretLoc, m.creds.Secret.Reveal()); err != nil {
		return fmt.Errorf("fill secret: %w", err)
	}
	return sleep(ctx, m.opts.SubmitPause)
}

func (m *Machine) input(ctx context.Context, loc, value string) error {
	if m.opts.FillStrategy == config.FillInject {
		return m.page.SetValue(ctx, loc, value)
	}
	return m.page.TypeText(ctx, loc, value, m.opts.KeyDelay)
}

// submit activates the submit control by event dispatch, since transient
// overlays routinely sit on top of it.
func (m *Machine) submit(ctx context.Context) error {
	loc, _, err := m.resolver.ProbeVisible(ctx, m.targets.LoginSurface)
	if err != nil {
		return err
	}
	m.surface = loc

	btn, err := m.resolver.Resolve(ctx, m.targets.Submit, m.opts.SurfaceTimeout)
	if err != nil {
		return fmt.Errorf("find submit: %w", err)
	}
	if err := m.page.DispatchClick(ctx, btn); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	return nil
}

func (m *Machine) verify(ctx context.Context) error {
	err := browser.Poll(ctx, m.opts.VerifyTimeout, m.opts.PollInterval, m.authenticated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, browser.ErrTimeout) {
		return err
	}

	m.logger.Warn().Msg("login not confirmed, re-navigating once")
	if err := m.page.Navigate(ctx, m.opts.TargetURL); err != nil {
		return fmt.Errorf("recovery navigation: %w", err)
	}
	err = browser.Poll(ctx, m.opts.RecheckTimeout, m.opts.PollInterval, func(ctx context.Context) (bool, error) {
		_, ok, err := m.resolver.ProbeVisible(ctx, m.targets.AuthMarker)
		return ok, err
	})
	if errors.Is(err, browser.ErrTimeout) {
		return fmt.Errorf("%w: auth marker absent after submit and re-navigation", ErrLoginFailed)
	}
	return err
}

// authenticated holds once the auth marker is visible or the surface that
// was open at submit time has gone away.
func (m *Machine) authenticated(ctx context.Context) (bool, error) {
	if _, ok, err := m.resolver.ProbeVisible(ctx, m.targets.AuthMarker); err != nil || ok {
		return ok, err
	}
	if m.surface == "" {
		return false, nil
	}
	vis, err := m.page.Visible(ctx, m.surface)
	if err != nil {
		return false, err
	}
	return !vis, nil
}

func (m *Machine) persist(ctx context.Context) error {
	s, err := m.page.StorageState(ctx)
	if err != nil {
		return fmt.Errorf("export session: %w", err)
	}
	if err := m.store.Save(s); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
