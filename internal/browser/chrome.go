package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/rs/zerolog"

	"github.com/louca1221/price-tracker/internal/model"
)

// ChromeOptions configures the Chromium instance behind a ChromeLauncher.
type ChromeOptions struct {
	Headless          bool
	ExecPath          string
	Proxy             string
	UserAgent         string
	Width             int
	Height            int
	NavigationTimeout time.Duration
	SettleDelay       time.Duration
}

// ChromeLauncher starts a fresh Chromium per Launch via chromedp.
type ChromeLauncher struct {
	opts   ChromeOptions
	logger zerolog.Logger
}

// NewChromeLauncher creates a launcher.
func NewChromeLauncher(opts ChromeOptions, logger zerolog.Logger) *ChromeLauncher {
	return &ChromeLauncher{opts: opts, logger: logger.With().Str("component", "browser").Logger()}
}

// Launch starts Chromium. The browser dies with ctx even if Close is never called.
func (l *ChromeLauncher) Launch(ctx context.Context) (Page, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(l.opts.Width, l.opts.Height),
	)
	if l.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.opts.UserAgent))
	}
	if l.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
	}
	if l.opts.Proxy != "" {
		opts = append(opts, chromedp.ProxyServer(l.opts.Proxy))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, v ...any) {
			l.logger.Debug().Msgf(format, v...)
		}),
	)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	l.logger.Debug().Bool("headless", l.opts.Headless).Msg("chrome started")

	return &Chrome{
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		opts:        l.opts,
		logger:      l.logger,
	}, nil
}

// Chrome is a Page backed by a chromedp tab.
type Chrome struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	opts        ChromeOptions
	logger      zerolog.Logger
	closeOnce   sync.Once
	closeErr    error
}

var _ Page = (*Chrome)(nil)

// run executes actions on the tab, bounded by the caller's ctx.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(c.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url, then waits for the document to reach networkIdle within
// NavigationTimeout. A page that never goes idle is used as it is once the
// timeout passes.
func (c *Chrome) Navigate(ctx context.Context, url string) error {
	navCtx := ctx
	if c.opts.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		navCtx, cancel = context.WithTimeout(ctx, c.opts.NavigationTimeout)
		defer cancel()
	}

	idle := newIdleWatcher()
	listenCtx, stopListening := context.WithCancel(c.tabCtx)
	defer stopListening()
	chromedp.ListenTarget(listenCtx, idle.observe)

	if err := c.run(navCtx,
		page.SetLifecycleEventsEnabled(true),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	select {
	case <-idle.done:
	case <-navCtx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("navigate %s: %w", url, err)
		}
		c.logger.Warn().Str("url", url).Dur("timeout", c.opts.NavigationTimeout).Msg("network never went idle, continuing")
	}
	if c.opts.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.SettleDelay):
		}
	}
	return nil
}

// Exists reports whether loc matches an element right now.
func (c *Chrome) Exists(ctx context.Context, loc string) (bool, error) {
	var found bool
	if err := c.run(ctx, chromedp.Evaluate(locateScript(loc, `return el !== null;`), &found)); err != nil {
		return false, fmt.Errorf("probe %s: %w", loc, err)
	}
	return found, nil
}

// Visible reports whether loc matches an element with a rendered box.
func (c *Chrome) Visible(ctx context.Context, loc string) (bool, error) {
	var visible bool
	if err := c.run(ctx, chromedp.Evaluate(locateScript(loc, visibleBody), &visible)); err != nil {
		return false, fmt.Errorf("probe visibility %s: %w", loc, err)
	}
	return visible, nil
}

type textResult struct {
	Found bool   `json:"found"`
	Text  string `json:"text"`
}

// Text returns the innerText of the element matched by loc.
func (c *Chrome) Text(ctx context.Context, loc string) (string, error) {
	var res textResult
	if err := c.run(ctx, chromedp.Evaluate(locateScript(loc,
		`return el === null ? {found: false, text: ""} : {found: true, text: el.innerText || el.textContent || ""};`,
	), &res)); err != nil {
		return "", fmt.Errorf("read text %s: %w", loc, err)
	}
	if !res.Found {
		return "", fmt.Errorf("read text %s: no such element", loc)
	}
	return res.Text, nil
}

type pointResult struct {
	Found bool    `json:"found"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

// Click scrolls the element into view and clicks its centre with the mouse.
// An overlay at that point receives the click instead.
func (c *Chrome) Click(ctx context.Context, loc string) error {
	var pt pointResult
	err := c.run(ctx,
		chromedp.Evaluate(locateScript(loc, `
			if (el === null) return {found: false, x: 0, y: 0};
			el.scrollIntoView({block: "center", inline: "center"});
			const r = el.getBoundingClientRect();
			return {found: true, x: r.left + r.width / 2, y: r.top + r.height / 2};`), &pt),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if !pt.Found {
				return fmt.Errorf("no such element")
			}
			return chromedp.MouseClickXY(pt.X, pt.Y).Do(ctx)
		}),
	)
	if err != nil {
		return fmt.Errorf("click %s: %w", loc, err)
	}
	return nil
}

// DispatchClick calls the element's click handler directly.
func (c *Chrome) DispatchClick(ctx context.Context, loc string) error {
	var ok bool
	if err := c.run(ctx, chromedp.Evaluate(locateScript(loc, `
		if (el === null) return false;
		if (typeof el.click === "function") {
			el.click();
		} else {
			el.dispatchEvent(new MouseEvent("click", {bubbles: true, cancelable: true, view: window}));
		}
		return true;`), &ok)); err != nil {
		return fmt.Errorf("dispatch click %s: %w", loc, err)
	}
	if !ok {
		return fmt.Errorf("dispatch click %s: no such element", loc)
	}
	return nil
}

// TypeText focuses the element, selects its content and sends one key event
// per rune, pausing keyDelay between keys.
func (c *Chrome) TypeText(ctx context.Context, loc, text string, keyDelay time.Duration) error {
	var ok bool
	err := c.run(ctx,
		chromedp.Evaluate(locateScript(loc, `
			if (el === null) return false;
			el.focus();
			if (typeof el.select === "function") el.select();
			return true;`), &ok),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if !ok {
				return fmt.Errorf("no such element")
			}
			if err := chromedp.KeyEvent(kb.Backspace).Do(ctx); err != nil {
				return err
			}
			for _, r := range text {
				if err := chromedp.KeyEvent(string(r)).Do(ctx); err != nil {
					return err
				}
				if keyDelay > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(keyDelay):
					}
				}
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("type into %s: %w", loc, err)
	}
	return nil
}

// SetValue assigns the value through the native setter so that framework
// bindings see the input and change events.
func (c *Chrome) SetValue(ctx context.Context, loc, value string) error {
	var ok bool
	if err := c.run(ctx, chromedp.Evaluate(locateScript(loc, fmt.Sprintf(`
		if (el === null) return false;
		const proto = el instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
		const setter = Object.getOwnPropertyDescriptor(proto, "value").set;
		el.focus();
		setter.call(el, "");
		el.dispatchEvent(new Event("input", {bubbles: true}));
		setter.call(el, %s);
		el.dispatchEvent(new Event("input", {bubbles: true}));
		el.dispatchEvent(new Event("change", {bubbles: true}));
		return true;`, jsString(value))), &ok)); err != nil {
		return fmt.Errorf("set value of %s: %w", loc, err)
	}
	if !ok {
		return fmt.Errorf("set value of %s: no such element", loc)
	}
	return nil
}

// Screenshot captures the viewport as PNG.
func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return buf, nil
}

// storageState is the JSON layout of a Session produced by Chrome.
type storageState struct {
	Cookies []storedCookie `json:"cookies"`
	Origins []originState  `json:"origins"`
}

type storedCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
	SameSite string  `json:"sameSite,omitempty"`
}

type originState struct {
	Origin       string            `json:"origin"`
	LocalStorage map[string]string `json:"localStorage"`
}

func cookieFromCDP(ck *network.Cookie) storedCookie {
	return storedCookie{
		Name:     ck.Name,
		Value:    ck.Value,
		Domain:   ck.Domain,
		Path:     ck.Path,
		Expires:  ck.Expires,
		HTTPOnly: ck.HTTPOnly,
		Secure:   ck.Secure,
		Session:  ck.Session,
		SameSite: ck.SameSite.String(),
	}
}

// param converts the cookie for Network.setCookies. Session cookies and
// cookies without a positive expiry get no Expires.
func (ck storedCookie) param() *network.CookieParam {
	p := &network.CookieParam{
		Name:     ck.Name,
		Value:    ck.Value,
		Domain:   ck.Domain,
		Path:     ck.Path,
		Secure:   ck.Secure,
		HTTPOnly: ck.HTTPOnly,
		SameSite: network.CookieSameSite(ck.SameSite),
	}
	if !ck.Session && ck.Expires > 0 {
		exp := expiresAt(ck.Expires)
		p.Expires = &exp
	}
	return p
}

// expiresAt converts fractional epoch seconds to a CDP timestamp.
func expiresAt(secs float64) cdp.TimeSinceEpoch {
	whole := math.Floor(secs)
	return cdp.TimeSinceEpoch(time.Unix(int64(whole), int64(math.Round((secs-whole)*1e9))))
}

func (o originState) seedScript() (string, error) {
	items, err := json.Marshal(o.LocalStorage)
	if err != nil {
		return "", fmt.Errorf("encode local storage for %s: %w", o.Origin, err)
	}
	return fmt.Sprintf(`(() => {
		try {
			if (location.origin !== %s) return;
			const items = %s;
			for (const [k, v] of Object.entries(items)) {
				if (localStorage.getItem(k) === null) localStorage.setItem(k, v);
			}
		} catch (e) {}
	})();`, jsString(o.Origin), items), nil
}

// idleWatcher follows the lifecycle events of one navigation and closes done
// when the document it started reaches networkIdle.
type idleWatcher struct {
	mu     sync.Mutex
	loader cdp.LoaderID
	fired  bool
	done   chan struct{}
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{done: make(chan struct{})}
}

// observe is a chromedp target listener. It must not block.
func (w *idleWatcher) observe(ev any) {
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.fired:
	case e.Name == "init" && w.loader == "":
		w.loader = e.LoaderID
	case e.Name == "networkIdle" && w.loader != "" && e.LoaderID == w.loader:
		w.fired = true
		close(w.done)
	}
}

// StorageState exports every cookie of the browser and the localStorage of
// the current origin as JSON.
func (c *Chrome) StorageState(ctx context.Context) (model.Session, error) {
	var state storageState
	var origin originState
	err := c.run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := storage.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("get cookies: %w", err)
			}
			for _, ck := range cookies {
				state.Cookies = append(state.Cookies, cookieFromCDP(ck))
			}
			return nil
		}),
		chromedp.Evaluate(`(() => {
			try {
				const items = {};
				for (let i = 0; i < localStorage.length; i++) {
					const k = localStorage.key(i);
					items[k] = localStorage.getItem(k);
				}
				return {origin: location.origin, localStorage: items};
			} catch (e) {
				return {origin: "", localStorage: {}};
			}
		})()`, &origin),
	)
	if err != nil {
		return nil, fmt.Errorf("export storage state: %w", err)
	}
	if origin.Origin != "" && origin.Origin != "null" && len(origin.LocalStorage) > 0 {
		state.Origins = append(state.Origins, origin)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal storage state: %w", err)
	}
	return model.Session(data), nil
}

// RestoreState sets the saved cookies and seeds localStorage on the next
// document of each saved origin. Keys already present are left alone.
func (c *Chrome) RestoreState(ctx context.Context, s model.Session) error {
	var state storageState
	if err := json.Unmarshal(s, &state); err != nil {
		return fmt.Errorf("decode storage state: %w", err)
	}

	params := make([]*network.CookieParam, 0, len(state.Cookies))
	for _, ck := range state.Cookies {
		params = append(params, ck.param())
	}

	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if len(params) > 0 {
			if err := network.SetCookies(params).Do(ctx); err != nil {
				return fmt.Errorf("set cookies: %w", err)
			}
		}
		for _, o := range state.Origins {
			script, err := o.seedScript()
			if err != nil {
				return err
			}
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("seed local storage for %s: %w", o.Origin, err)
			}
		}
		return nil
	}))
	if err != nil {
		return fmt.Errorf("restore storage state: %w", err)
	}
	c.logger.Debug().Int("cookies", len(params)).Int("origins", len(state.Origins)).Msg("storage state restored")
	return nil
}

// Close stops the tab and the browser process. It is safe to call twice.
func (c *Chrome) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = chromedp.Cancel(c.tabCtx)
		c.tabCancel()
		c.allocCancel()
		c.logger.Debug().Msg("chrome closed")
	})
	return c.closeErr
}

const visibleBody = `
	if (el === null) return false;
	const style = window.getComputedStyle(el);
	if (style.display === "none" || style.visibility === "hidden") return false;
	const r = el.getBoundingClientRect();
	return r.width > 0 && r.height > 0;`

// locateScript wraps body in an IIFE where el is the first match of loc, or
// null. A text locator takes the innermost element of the first matching chain.
func locateScript(loc, body string) string {
	return fmt.Sprintf(`(() => {
		const loc = %s;
		let el = null;
		if (loc.startsWith(%s)) {
			const label = loc.slice(%d).trim();
			for (const cand of document.querySelectorAll(%s)) {
				if (cand.textContent.trim() !== label) continue;
				if (el === null || el.contains(cand)) { el = cand; } else { break; }
			}
		} else {
			el = document.querySelector(loc);
		}
		%s
	})()`, jsString(loc), jsString(TextPrefix), len(TextPrefix), jsString(TextTags), body)
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
