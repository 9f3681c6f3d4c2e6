// Package browsertest provides an in-memory browser.Page backed by a goquery
// document, with scripted reactions to clicks and navigations.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/louca1221/price-tracker/internal/browser"
	"github.com/louca1221/price-tracker/internal/model"
)

// Hook mutates the page in reaction to an interaction.
type Hook func(p *Page)

// Page is a fake browser.Page. An element is visible when neither it nor an
// ancestor carries the hidden attribute or an inline display:none.
type Page struct {
	mu  sync.Mutex
	doc *goquery.Document

	// State is returned by StorageState.
	State model.Session
	// ScreenshotErr, when set, makes Screenshot fail.
	ScreenshotErr error

	URL           string
	Navigations   []string
	Probes        []string
	Clicks        []string
	PointerClicks []string
	Typed         map[string]string
	Values        map[string]string
	Restored      []model.Session
	Exports       int
	Screenshots   int
	Closed        bool

	onClick    map[string]Hook
	onNavigate func(p *Page, url string)
}

var _ browser.Page = (*Page)(nil)

// New returns a page showing html.
func New(html string) *Page {
	p := &Page{
		Typed:   make(map[string]string),
		Values:  make(map[string]string),
		onClick: make(map[string]Hook),
	}
	p.setHTML(html)
	return p
}

// SetHTML replaces the document.
func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setHTML(html)
}

func (p *Page) setHTML(html string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		panic(fmt.Sprintf("browsertest: parse html: %v", err))
	}
	p.doc = doc
}

// OnClick registers a hook fired when loc is clicked by any means.
func (p *Page) OnClick(loc string, h Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClick[loc] = h
}

// OnNavigate registers a hook fired after every navigation.
func (p *Page) OnNavigate(fn func(p *Page, url string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNavigate = fn
}

// ProbeCount returns how many times loc was probed with Exists.
func (p *Page) ProbeCount(loc string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, probe := range p.Probes {
		if probe == loc {
			n++
		}
	}
	return n
}

func (p *Page) find(loc string) *goquery.Selection {
	if label, ok := browser.IsTextLocator(loc); ok {
		var match *goquery.Selection
		p.doc.Find(browser.TextTags).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if strings.TrimSpace(s.Text()) != label {
				return true
			}
			if match == nil || match.Contains(s.Get(0)) {
				match = s
				return true
			}
			return false
		})
		if match == nil {
			return p.doc.FindNodes()
		}
		return match
	}
	return p.doc.Find(loc).First()
}

func visible(sel *goquery.Selection) bool {
	if sel.Length() == 0 {
		return false
	}
	for s := sel; s.Length() > 0; s = s.Parent() {
		if _, hidden := s.Attr("hidden"); hidden {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(s.AttrOr("style", "")), " ", "")
		if strings.Contains(style, "display:none") {
			return false
		}
	}
	return true
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.URL = url
	p.Navigations = append(p.Navigations, url)
	hook := p.onNavigate
	p.mu.Unlock()
	if hook != nil {
		hook(p, url)
	}
	return nil
}

func (p *Page) Exists(ctx context.Context, loc string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Probes = append(p.Probes, loc)
	return p.find(loc).Length() > 0, nil
}

func (p *Page) Visible(ctx context.Context, loc string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return visible(p.find(loc)), nil
}

func (p *Page) Text(ctx context.Context, loc string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sel := p.find(loc)
	if sel.Length() == 0 {
		return "", fmt.Errorf("read text %s: no such element", loc)
	}
	return sel.Text(), nil
}

func (p *Page) click(ctx context.Context, loc string, pointer bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	sel := p.find(loc)
	if sel.Length() == 0 {
		p.mu.Unlock()
		return fmt.Errorf("click %s: no such element", loc)
	}
	if pointer {
		if !visible(sel) {
			p.mu.Unlock()
			return fmt.Errorf("click %s: element not visible", loc)
		}
		p.PointerClicks = append(p.PointerClicks, loc)
	} else {
		p.Clicks = append(p.Clicks, loc)
	}
	hook := p.onClick[loc]
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *Page) Click(ctx context.Context, loc string) error { return p.click(ctx, loc, true) }

func (p *Page) DispatchClick(ctx context.Context, loc string) error {
	return p.click(ctx, loc, false)
}

func (p *Page) TypeText(ctx context.Context, loc, text string, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sel := p.find(loc)
	if sel.Length() == 0 {
		return fmt.Errorf("type into %s: no such element", loc)
	}
	sel.SetAttr("value", text)
	p.Typed[loc] = text
	return nil
}

func (p *Page) SetValue(ctx context.Context, loc, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sel := p.find(loc)
	if sel.Length() == 0 {
		return fmt.Errorf("set value of %s: no such element", loc)
	}
	sel.SetAttr("value", value)
	p.Values[loc] = value
	return nil
}

// PNG is the fixed payload Screenshot returns.
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	p.Screenshots++
	return PNG, nil
}

func (p *Page) StorageState(ctx context.Context) (model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Exports++
	if p.State == nil {
		return nil, errors.New("no storage state configured")
	}
	return p.State, nil
}

func (p *Page) RestoreState(ctx context.Context, s model.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Restored = append(p.Restored, s)
	return nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}

// IsClosed reports whether Close was called. Use it when Close may run on
// another goroutine.
func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Closed
}

// Launcher hands out a prepared Page.
type Launcher struct {
	Page *Page
	Err  error
	// Delay holds Launch back, ignoring ctx, like a browser that hangs on
	// startup.
	Delay    time.Duration
	Launches int
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(ctx context.Context) (browser.Page, error) {
	l.Launches++
	if l.Delay > 0 {
		time.Sleep(l.Delay)
	}
	if l.Err != nil {
		return nil, l.Err
	}
	return l.Page, nil
}
