// Package headless renders register pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

// ErrBrowserLimit is returned by Open when MaxBrowsers sessions are already live.
var ErrBrowserLimit = errors.New("headless browser limit reached")

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxBrowsers caps concurrently open sessions; zero means no cap.
	MaxBrowsers       int
	UserAgent         string
	NavigationTimeout time.Duration
	ExtraHeaders      http.Header
	ExecPath          string
	NoSandbox         bool
}

// Launcher opens one browser process per session. Sessions are never shared.
type Launcher struct {
	cfg   Config
	slots chan struct{}
}

// NewLauncher validates cfg and returns a Launcher.
func NewLauncher(cfg Config) (*Launcher, error) {
	if cfg.MaxBrowsers < 0 {
		return nil, fmt.Errorf("max browsers must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var slots chan struct{}
	if cfg.MaxBrowsers > 0 {
		slots = make(chan struct{}, cfg.MaxBrowsers)
	}
	return &Launcher{cfg: cfg, slots: slots}, nil
}

// Open starts a browser and returns a session owned by the caller. It matches
// crawler.FetcherFactory.
func (l *Launcher) Open(ctx context.Context) (crawler.PageFetcher, error) {
	if err := l.acquire(); err != nil {
		return nil, err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	s := &Session{
		cfg:     l.cfg,
		tab:     tabCtx,
		meta:    newResponseMeta(),
		release: l.release,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}
	chromedp.ListenTarget(tabCtx, s.meta.captureEvent)

	// The first Run launches the browser and ties it to tabCtx, not to ctx.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx, s.networkSetupAction()) }()
	select {
	case err := <-started:
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("start browser: %w", ctx.Err())
	}
	return s, nil
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

func (l *Launcher) acquire() error {
	if l.slots == nil {
		return nil
	}
	select {
	case l.slots <- struct{}{}:
		return nil
	default:
		return ErrBrowserLimit
	}
}

func (l *Launcher) release() {
	if l.slots == nil {
		return
	}
	select {
	case <-l.slots:
	default:
	}
}

// Session is one browser tab driven step by step. It is not safe for
// concurrent use.
type Session struct {
	cfg     Config
	tab     context.Context
	meta    *responseMeta
	cancel  func()
	release func()
	once    sync.Once
}

// Render performs step and returns the document's outer HTML. The step is
// bounded by NavigationTimeout and aborted when ctx ends.
func (s *Session) Render(ctx context.Context, step crawler.Step) (string, error) {
	actions, err := stepActions(step)
	if err != nil {
		return "", err
	}

	stepCtx, stepCancel := context.WithTimeout(s.tab, s.cfg.NavigationTimeout)
	defer stepCancel()
	stop := context.AfterFunc(ctx, stepCancel)
	defer stop()

	if step.Kind == crawler.StepNavigate {
		s.meta.reset()
	}

	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	if err := chromedp.Run(stepCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s step: %w", step.Kind, ctx.Err())
		}
		return "", fmt.Errorf("%s step: %w", step.Kind, err)
	}

	if step.Kind == crawler.StepNavigate {
		if status, _ := s.meta.snapshot(); status >= http.StatusBadRequest {
			return "", fmt.Errorf("navigate %s: unexpected status %d", step.URL, status)
		}
	}
	return html, nil
}

// Close terminates the browser process. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.cancel()
		if s.release != nil {
			s.release()
		}
	})
	return nil
}

// stepActions translates a step into chromedp actions, excluding the final
// markup capture.
func stepActions(step crawler.Step) ([]chromedp.Action, error) {
	var actions []chromedp.Action
	switch step.Kind {
	case crawler.StepNavigate:
		if step.URL == "" {
			return nil, fmt.Errorf("navigate step requires a url")
		}
		actions = append(actions, chromedp.Navigate(step.URL))
	case crawler.StepSelect:
		if step.Selector == "" {
			return nil, fmt.Errorf("select step requires a selector")
		}
		actions = append(actions,
			chromedp.WaitReady(step.Selector, chromedp.BySearch),
			onNode(step.Selector, selectValueJS, step.Value),
		)
	case crawler.StepClick:
		if step.Selector == "" {
			return nil, fmt.Errorf("click step requires a selector")
		}
		actions = append(actions,
			chromedp.WaitReady(step.Selector, chromedp.BySearch),
			onNode(step.Selector, clickJS),
		)
	default:
		return nil, fmt.Errorf("unsupported step kind %q", step.Kind)
	}

	if step.WaitFor != "" {
		actions = append(actions, chromedp.WaitReady(step.WaitFor, chromedp.BySearch))
	} else if step.Kind == crawler.StepNavigate {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	if step.Settle > 0 {
		actions = append(actions, chromedp.Sleep(step.Settle))
	}
	return actions, nil
}

// Script bodies run with the matched element as this. Clicking through script
// also reaches the grid's hidden pager controls.
const (
	selectValueJS = `function(v) { this.value = v; this.dispatchEvent(new Event('change', {bubbles: true})); }`
	clickJS       = `function() { this.click(); }`
)

func onNode(selector, fn string, args ...any) chromedp.Action {
	return chromedp.QueryAfter(selector, func(ctx context.Context, _ runtime.ExecutionContextID, nodes ...*cdp.Node) error {
		if len(nodes) == 0 {
			return fmt.Errorf("selector %q matched no nodes", selector)
		}
		return chromedp.CallFunctionOnNode(ctx, nodes[0], fn, nil, args...)
	}, chromedp.BySearch)
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(s.cfg.ExtraHeaders) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(s.cfg.ExtraHeaders)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// responseMeta remembers the status of the last document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
