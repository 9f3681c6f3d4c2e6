package login

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louca1221/price-tracker/internal/browser/browsertest"
	"github.com/louca1221/price-tracker/internal/config"
	"github.com/louca1221/price-tracker/internal/model"
	"github.com/louca1221/price-tracker/internal/selector"
	"github.com/louca1221/price-tracker/internal/session"
)

const (
	target = "https://prices.example/lithium"

	anonymousPage = `<html><body><div class="header"><span class="signInButton">Sign In</span></div></body></html>`

	loginModal = `<html><body>
		<div class="ant-modal">
			<input type="email" placeholder="Email">
			<input type="password">
			<button class="ant-btn-primary">Sign in</button>
		</div>
	</body></html>`

	loggedInPage = `<html><body><div class="Quote__avg">1,250</div></body></html>`

	blankPage = `<html><body><div class="spinner"></div></body></html>`
)

var sessionBlob = model.Session(`{"cookies":[{"name":"sid","value":"abc"}]}`)

type fixture struct {
	page  *browsertest.Page
	store *session.FileStore
	opts  Options
}

func newFixture(t *testing.T, html string) *fixture {
	t.Helper()
	page := browsertest.New(html)
	page.State = sessionBlob
	return &fixture{
		page:  page,
		store: session.NewFileStore(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop()),
		opts: Options{
			TargetURL:        target,
			FillStrategy:     config.FillKeystroke,
			SurfaceTimeout:   200 * time.Millisecond,
			VerifyTimeout:    100 * time.Millisecond,
			RecheckTimeout:   100 * time.Millisecond,
			PollInterval:     5 * time.Millisecond,
			ReloadAfterLogin: true,
		},
	}
}

func (f *fixture) machine() *Machine {
	targets := TargetsFromConfig(config.Selectors{
		AuthMarker:   []string{"div[class*='__avg']"},
		LoginTrigger: []string{"text=Sign In"},
		Identifier:   []string{`input[type="email"]`, `input[placeholder*="Email"]`, "#account"},
		Secret:       []string{`input[type="password"]`},
		Submit:       []string{"text=Sign in", ".ant-btn-primary", `button[type="submit"]`},
		LoginSurface: []string{".ant-modal", ".signInButton"},
	})
	creds := config.Credentials{Identifier: "trader@example.com", Secret: "hunter2"}
	return NewMachine(f.page, selector.NewResolver(f.page, time.Millisecond, zerolog.Nop()),
		f.store, creds, targets, f.opts, zerolog.Nop())
}

// scriptSite wires the trigger to open the modal and submit to land on after.
func scriptSite(page *browsertest.Page, after string) {
	page.OnClick("text=Sign In", func(p *browsertest.Page) { p.SetHTML(loginModal) })
	page.OnClick("text=Sign in", func(p *browsertest.Page) { p.SetHTML(after) })
}

func TestRun_FreshLoginPersistsSessionOnce(t *testing.T) {
	f := newFixture(t, anonymousPage)
	scriptSite(f.page, loggedInPage)

	state, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Authenticated, state)

	assert.Equal(t, []string{"text=Sign In", "text=Sign in"}, f.page.Clicks)
	assert.Empty(t, f.page.PointerClicks)
	assert.Equal(t, "trader@example.com", f.page.Typed[`input[type="email"]`])
	assert.Equal(t, "hunter2", f.page.Typed[`input[type="password"]`])
	assert.Equal(t, 1, f.page.Exports)
	assert.Equal(t, []string{target}, f.page.Navigations)

	saved, ok, err := f.store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sessionBlob, saved)
}

func TestRun_AlreadyAuthenticatedSkipsLogin(t *testing.T) {
	f := newFixture(t, loggedInPage)

	m := f.machine()
	state, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AlreadyAuthenticated, state)
	assert.Equal(t, AlreadyAuthenticated, m.State())

	assert.Empty(t, f.page.Clicks)
	assert.Empty(t, f.page.Typed)
	assert.Zero(t, f.page.Exports)
	_, ok, err := f.store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_InjectStrategySetsValues(t *testing.T) {
	f := newFixture(t, anonymousPage)
	f.opts.FillStrategy = config.FillInject
	scriptSite(f.page, loggedInPage)

	_, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.page.Typed)
	assert.Equal(t, "trader@example.com", f.page.Values[`input[type="email"]`])
	assert.Equal(t, "hunter2", f.page.Values[`input[type="password"]`])
}

func TestRun_SurfaceAlreadyOpenSkipsTrigger(t *testing.T) {
	f := newFixture(t, loginModal)
	f.page.OnClick("text=Sign in", func(p *browsertest.Page) { p.SetHTML(loggedInPage) })

	state, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Authenticated, state)
	assert.Equal(t, []string{"text=Sign in"}, f.page.Clicks)
	assert.Zero(t, f.page.ProbeCount("text=Sign In"))
}

func TestRun_SurfaceDisappearingCountsAsSuccess(t *testing.T) {
	f := newFixture(t, anonymousPage)
	scriptSite(f.page, blankPage)
	f.page.OnNavigate(func(p *browsertest.Page, _ string) { p.SetHTML(loggedInPage) })

	state, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Authenticated, state)
	assert.Equal(t, []string{target}, f.page.Navigations)
	assert.Equal(t, 1, f.page.Exports)
}

func TestRun_RecoveryNavigationConfirmsLogin(t *testing.T) {
	f := newFixture(t, anonymousPage)
	// Submit does nothing visible until the page is reloaded.
	scriptSite(f.page, loginModal)
	f.page.OnNavigate(func(p *browsertest.Page, _ string) { p.SetHTML(loggedInPage) })

	state, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Authenticated, state)
	assert.Equal(t, []string{target, target}, f.page.Navigations)

	_, ok, err := f.store.Load()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_LoginFailedLeavesNoSession(t *testing.T) {
	f := newFixture(t, anonymousPage)
	scriptSite(f.page, loginModal)

	m := f.machine()
	state, err := m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLoginFailed))
	assert.Equal(t, LoginFailed, state)
	assert.Equal(t, LoginFailed, m.State())
	assert.Equal(t, []string{target}, f.page.Navigations)
	assert.Zero(t, f.page.Exports)

	_, ok, err := f.store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_InvalidRestoredSessionIsDiscarded(t *testing.T) {
	f := newFixture(t, anonymousPage)
	require.NoError(t, f.store.Save(model.Session(`{"cookies":[]}`)))
	f.opts.SessionRestored = true
	scriptSite(f.page, loginModal)

	_, err := f.machine().Run(context.Background())
	require.ErrorIs(t, err, ErrLoginFailed)

	_, ok, err := f.store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRun_FormNeverAppears(t *testing.T) {
	f := newFixture(t, anonymousPage)

	state, err := f.machine().Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, selector.ErrElementNotFound)
	assert.False(t, errors.Is(err, ErrLoginFailed))
	assert.Equal(t, FillingCredentials, state)
	assert.Equal(t, []string{"text=Sign In"}, f.page.Clicks)
}

func TestRun_NoReloadWhenDisabled(t *testing.T) {
	f := newFixture(t, anonymousPage)
	f.opts.ReloadAfterLogin = false
	scriptSite(f.page, loggedInPage)

	_, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, f.page.Navigations)
}

func TestRun_ExportFailureIsReported(t *testing.T) {
	f := newFixture(t, anonymousPage)
	f.page.State = nil
	scriptSite(f.page, loggedInPage)

	state, err := f.machine().Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export session")
	assert.Equal(t, Authenticated, state)
}

func TestRun_PointerActivationClicksTrigger(t *testing.T) {
	f := newFixture(t, anonymousPage)
	f.opts.TriggerActivation = config.ActivatePointer
	scriptSite(f.page, loggedInPage)

	state, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Authenticated, state)
	assert.Equal(t, []string{"text=Sign In"}, f.page.PointerClicks)
	// Submit is always dispatched.
	assert.Equal(t, []string{"text=Sign in"}, f.page.Clicks)
}

func TestRun_PointerActivationFallsBackToDispatch(t *testing.T) {
	const coveredTrigger = `<html><body><div class="header" style="display: none"><span class="signInButton">Sign In</span></div></body></html>`
	f := newFixture(t, coveredTrigger)
	f.opts.TriggerActivation = config.ActivatePointer
	scriptSite(f.page, loggedInPage)

	state, err := f.machine().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Authenticated, state)
	assert.Empty(t, f.page.PointerClicks)
	assert.Equal(t, []string{"text=Sign In", "text=Sign in"}, f.page.Clicks)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "verifying_result", VerifyingResult.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	cfg.Login.TriggerActivation = config.ActivatePointer

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, config.ActivatePointer, opts.TriggerActivation)
	assert.Equal(t, config.FillKeystroke, opts.FillStrategy)
	assert.True(t, opts.ReloadAfterLogin)
	assert.Equal(t, cfg.Timeouts.LoginSurface, opts.SurfaceTimeout)
}
