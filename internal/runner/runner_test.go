package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/louca1221/price-tracker/internal/browser/browsertest"
	"github.com/louca1221/price-tracker/internal/config"
	"github.com/louca1221/price-tracker/internal/model"
	"github.com/louca1221/price-tracker/internal/notifier"
	"github.com/louca1221/price-tracker/internal/session"
)

const (
	target = "https://prices.example/lithium"

	anonymousPage = `<html><body><span class="signInButton">Sign In</span></body></html>`
	loginModal    = `<html><body><div class="ant-modal">
		<input type="email"><input type="password"><button>Sign in</button>
	</div></body></html>`
	quotePage = "<html><body><div class=\"user-avatar\">me</div>" +
		"<div class=\"Quote_PriceWrap\"><div class=\"Quote__avg\">1,250</div>\n<div>-2.5 (-0.2%)</div></div></body></html>"
	noPricePage = `<html><body><div class="user-avatar">me</div><div class="loading"></div></body></html>`
)

var (
	monday   = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	saturday = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	blob     = model.Session(`{"cookies":[{"name":"sid","value":"abc"}],"origins":[]}`)
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Send(_ context.Context, text string) model.DeliveryReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return model.DeliveryReport{Deliveries: []model.Delivery{{Recipient: "1", OK: true}, {Recipient: "2", OK: true}}}
}

type harness struct {
	cfg      *config.Config
	page     *browsertest.Page
	launcher *browsertest.Launcher
	store    *session.FileStore
	notifier *fakeNotifier
}

func newHarness(t *testing.T, html string) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	cfg.Site.URL = target
	cfg.Credentials = config.Credentials{Identifier: "trader@example.com", Secret: "hunter2"}
	cfg.Schedule.ActiveDays = "weekdays"
	cfg.Session.Path = filepath.Join(dir, "state.json")
	cfg.Diagnostics.ScreenshotPath = filepath.Join(dir, "diag", "error_screenshot.png")
	cfg.Selectors.AuthMarker = []string{".user-avatar"}
	cfg.Login.KeyDelay = time.Millisecond
	cfg.Login.SubmitPause = time.Millisecond
	cfg.Timeouts = config.Timeouts{
		Run:          5 * time.Second,
		LoginSurface: 200 * time.Millisecond,
		Verify:       100 * time.Millisecond,
		Recheck:      100 * time.Millisecond,
		Extract:      100 * time.Millisecond,
		QuoteBlock:   50 * time.Millisecond,
		Poll:         5 * time.Millisecond,
	}

	page := browsertest.New(html)
	page.State = blob
	return &harness{
		cfg:      cfg,
		page:     page,
		launcher: &browsertest.Launcher{Page: page},
		store:    session.NewFileStore(cfg.Session.Path, zerolog.Nop()),
		notifier: &fakeNotifier{},
	}
}

func (h *harness) run(t *testing.T, now time.Time, n Notifier) model.RunResult {
	t.Helper()
	if n == nil {
		n = h.notifier
	}
	r := New(h.cfg, h.launcher, h.store, n, zerolog.Nop(), WithClock(func() time.Time { return now }))
	return r.Run(context.Background())
}

func TestRun_FreshLoginThenExtract(t *testing.T) {
	h := newHarness(t, anonymousPage)
	h.page.OnClick("text=Sign In", func(p *browsertest.Page) { p.SetHTML(loginModal) })
	h.page.OnClick("text=Sign in", func(p *browsertest.Page) { p.SetHTML(quotePage) })

	res := h.run(t, monday, nil)
	require.Equal(t, model.RunSuccess, res.Status, res.Reason)
	assert.Equal(t, model.Quote{Price: "1,250", Change: "-2.5 (-0.2%)"}, res.Quote)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.Delivery.Succeeded())

	assert.Equal(t, 1, h.page.Exports)
	assert.Equal(t, []string{target, target}, h.page.Navigations)
	saved, ok, err := h.store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, blob, saved)

	require.Len(t, h.notifier.messages, 1)
	assert.Equal(t, "📅 Date: Oct 19, 2026 - 09:30\n"+
		"📦 Spodumene Concentrate Index\n"+
		"💰 Price: 1,250 USD/mt\n"+
		"📉 Change: -2.5 (-0.2%)", h.notifier.messages[0])
	assert.True(t, h.page.Closed)
}

func TestRun_SavedSessionSkipsLogin(t *testing.T) {
	h := newHarness(t, quotePage)
	require.NoError(t, h.store.Save(blob))

	res := h.run(t, monday, nil)
	require.Equal(t, model.RunSuccess, res.Status, res.Reason)
	assert.Equal(t, []model.Session{blob}, h.page.Restored)
	assert.Empty(t, h.page.Clicks)
	assert.Empty(t, h.page.Typed)
	assert.Zero(t, h.page.Exports)
	assert.Equal(t, []string{target}, h.page.Navigations)
	assert.Len(t, h.notifier.messages, 1)
	assert.True(t, h.page.Closed)
}

func TestRun_PriceNeverAppears(t *testing.T) {
	h := newHarness(t, noPricePage)

	res := h.run(t, monday, nil)
	require.Equal(t, model.RunFailure, res.Status)
	assert.Contains(t, res.Reason, "extraction timed out")
	assert.Equal(t, h.cfg.Diagnostics.ScreenshotPath, res.DiagnosticPath)

	png, err := os.ReadFile(res.DiagnosticPath)
	require.NoError(t, err)
	assert.Equal(t, browsertest.PNG, png)

	require.Len(t, h.notifier.messages, 1)
	assert.True(t, strings.HasPrefix(h.notifier.messages[0], "❌ Scrape failed: extraction timed out"))
	assert.LessOrEqual(t, len([]rune(strings.TrimPrefix(h.notifier.messages[0], "❌ Scrape failed: "))), 100)
	assert.True(t, h.page.Closed)
}

func TestRun_ScreenshotFailureKeepsCause(t *testing.T) {
	h := newHarness(t, noPricePage)
	h.page.ScreenshotErr = errors.New("target closed")

	res := h.run(t, monday, nil)
	require.Equal(t, model.RunFailure, res.Status)
	assert.Contains(t, res.Reason, "extraction timed out")
	assert.Empty(t, res.DiagnosticPath)
	require.Len(t, h.notifier.messages, 1)
	assert.Contains(t, h.notifier.messages[0], "extraction timed out")
}

func TestRun_LoginFailure(t *testing.T) {
	h := newHarness(t, anonymousPage)
	h.page.OnClick("text=Sign In", func(p *browsertest.Page) { p.SetHTML(loginModal) })

	res := h.run(t, monday, nil)
	require.Equal(t, model.RunFailure, res.Status)
	assert.Contains(t, res.Reason, "login failed")
	assert.Equal(t, 1, h.page.Screenshots)
	_, ok, err := h.store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, h.page.Closed)
}

func TestRun_LaunchFailure(t *testing.T) {
	h := newHarness(t, quotePage)
	h.launcher.Err = errors.New("chrome not found")

	res := h.run(t, monday, nil)
	require.Equal(t, model.RunFailure, res.Status)
	assert.Contains(t, res.Reason, "chrome not found")
	assert.Empty(t, res.DiagnosticPath)
	assert.Zero(t, h.page.Screenshots)
	require.Len(t, h.notifier.messages, 1)
}

func TestRun_RunTimeoutStillClosesAndNotifies(t *testing.T) {
	h := newHarness(t, noPricePage)
	h.cfg.Timeouts.Run = 20 * time.Millisecond
	h.cfg.Timeouts.Extract = 2 * time.Second

	res := h.run(t, monday, nil)
	require.Equal(t, model.RunFailure, res.Status)
	assert.True(t, h.page.Closed)
	assert.Equal(t, 1, h.page.Screenshots)
	assert.Len(t, h.notifier.messages, 1)
}

func TestRun_HungLaunchIsBoundedByRunTimeout(t *testing.T) {
	h := newHarness(t, quotePage)
	h.cfg.Timeouts.Run = 50 * time.Millisecond
	h.launcher.Delay = 500 * time.Millisecond

	start := time.Now()
	res := h.run(t, monday, nil)
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	require.Equal(t, model.RunFailure, res.Status)
	assert.Contains(t, res.Reason, "launch browser")
	assert.Contains(t, res.Reason, context.DeadlineExceeded.Error())
	require.Len(t, h.notifier.messages, 1)

	assert.Eventually(t, h.page.IsClosed, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.page.Screenshots)
}

func TestRun_InactiveDaySkipsEverything(t *testing.T) {
	h := newHarness(t, quotePage)

	res := h.run(t, saturday, nil)
	assert.Equal(t, model.RunSkipped, res.Status)
	assert.Zero(t, h.launcher.Launches)
	assert.Empty(t, h.notifier.messages)
	assert.Empty(t, h.page.Navigations)
}

func TestRun_DailyPolicyRunsOnWeekend(t *testing.T) {
	h := newHarness(t, quotePage)
	h.cfg.Schedule.ActiveDays = "daily"

	res := h.run(t, saturday, nil)
	assert.Equal(t, model.RunSuccess, res.Status, res.Reason)
	assert.Equal(t, 1, h.launcher.Launches)
}

func TestRun_PartialDeliveryIsStillSuccess(t *testing.T) {
	h := newHarness(t, quotePage)

	var mu sync.Mutex
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		chat := r.PostForm.Get("chat_id")
		w.Header().Set("Content-Type", "application/json")
		if chat == "bad" {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Forbidden: bot was blocked by the user"})
			return
		}
		mu.Lock()
		sent = append(sent, chat)
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	tn := notifier.NewTelegramNotifier(notifier.TelegramOptions{
		BotToken:   "1:T",
		Recipients: config.ParseRecipients("a, bad,,  c "),
		APIBase:    srv.URL,
	}, zerolog.Nop())

	res := h.run(t, monday, tn)
	require.Equal(t, model.RunSuccess, res.Status, res.Reason)
	assert.Equal(t, 2, res.Delivery.Succeeded())
	failed := res.Delivery.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Recipient)
	assert.Contains(t, failed[0].Error, "blocked")
	assert.ElementsMatch(t, []string{"a", "c"}, sent)
}

func TestRun_MissingChannelConfigIsReported(t *testing.T) {
	h := newHarness(t, quotePage)
	tn := notifier.NewTelegramNotifier(notifier.TelegramOptions{Recipients: []string{"1"}}, zerolog.Nop())

	res := h.run(t, monday, tn)
	assert.Equal(t, model.RunSuccess, res.Status)
	assert.ErrorIs(t, res.Delivery.Err, notifier.ErrConfigurationMissing)
}
