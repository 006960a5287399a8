package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// BrowserConfig carries the launch flags and visual identity for a challenge
// context.
type BrowserConfig struct {
	Headless   bool
	DisableGPU bool
	Locale     string
	UserAgent  string
	ProxyURL   string
}

// Box is an on-page rectangle in CSS pixels.
type Box struct {
	X, Y, Width, Height float64
}

// InterceptedRequest is the snapshot of a network request captured (and
// aborted) by page interception.
type InterceptedRequest struct {
	URL     string
	Method  string
	Body    string
	Headers map[string]string
}

// browserEngine is the capability interface over the two interchangeable
// automation backends. The variant is chosen at construction time.
type browserEngine interface {
	Launch(ctx context.Context, cfg BrowserConfig) (browserContext, error)
}

// browserContext is one isolated automation context (cookies, pages).
type browserContext interface {
	SetCookies(domain string, cookies map[string]string) error
	NewPage() (browserPage, error)
	Close() error
}

// browserPage is the page surface the challenge loop drives.
type browserPage interface {
	Navigate(url string) error
	Exists(selector string) bool
	Click(selector string) error
	Type(selector, text string) error
	Text(selector string) (string, error)
	ElementBox(selector string) (Box, error)
	ScreenshotRegion(box Box) ([]byte, error)
	MouseClick(x, y float64) error
	MouseDrag(fromX, fromY, toX, toY float64) error
	// Intercept aborts requests whose URL contains urlSubstring and reports
	// each to handler before the request reaches the network. The returned
	// stop function detaches the interceptor.
	Intercept(urlSubstring string, handler func(InterceptedRequest)) (func(), error)
	Close() error
}

// newBrowserEngine selects a backend by name.
func newBrowserEngine(name string) (browserEngine, error) {
	switch name {
	case "", "rod":
		return rodEngine{}, nil
	case "chromedp":
		return chromedpEngine{}, nil
	default:
		return nil, fmt.Errorf("unknown browser engine %q (want rod or chromedp)", name)
	}
}

// =============================================================================
// go-rod backend
// =============================================================================

type rodEngine struct{}

type rodContext struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
	cfg      BrowserConfig
}

type rodPage struct {
	page *rod.Page
}

func (rodEngine) Launch(ctx context.Context, cfg BrowserConfig) (browserContext, error) {
	l := launcher.New().Headless(cfg.Headless).Leakless(true)
	if cfg.DisableGPU {
		l = l.Set("disable-gpu")
	}
	if cfg.Locale != "" {
		l = l.Set("lang", cfg.Locale)
	}
	if cfg.ProxyURL != "" {
		l = l.Proxy(cfg.ProxyURL)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("rod launch: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("rod connect: %w", err)
	}
	return &rodContext{browser: browser, launcher: l, cfg: cfg}, nil
}

func (c *rodContext) SetCookies(domain string, cookies map[string]string) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for name, value := range cookies {
		params = append(params, &proto.NetworkCookieParam{
			Name:   name,
			Value:  value,
			Domain: domain,
			Path:   "/",
		})
	}
	return c.browser.SetCookies(params)
}

func (c *rodContext) NewPage() (browserPage, error) {
	page, err := c.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	if c.cfg.UserAgent != "" {
		override := &proto.NetworkSetUserAgentOverride{UserAgent: c.cfg.UserAgent}
		if c.cfg.Locale != "" {
			override.AcceptLanguage = c.cfg.Locale
		}
		if err := page.SetUserAgent(override); err != nil {
			return nil, err
		}
	}
	return &rodPage{page: page}, nil
}

func (c *rodContext) Close() error {
	err := c.browser.Close()
	c.launcher.Cleanup()
	return err
}

func (p *rodPage) Navigate(url string) error {
	if err := p.page.Navigate(url); err != nil {
		return err
	}
	return p.page.WaitLoad()
}

func (p *rodPage) Exists(selector string) bool {
	has, _, err := p.page.Has(selector)
	return err == nil && has
}

func (p *rodPage) Click(selector string) error {
	el, err := p.page.Element(selector)
	if err != nil {
		return err
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Type(selector, text string) error {
	el, err := p.page.Element(selector)
	if err != nil {
		return err
	}
	return el.Input(text)
}

func (p *rodPage) Text(selector string) (string, error) {
	el, err := p.page.Element(selector)
	if err != nil {
		return "", err
	}
	return el.Text()
}

func (p *rodPage) ElementBox(selector string) (Box, error) {
	el, err := p.page.Element(selector)
	if err != nil {
		return Box{}, err
	}
	shape, err := el.Shape()
	if err != nil {
		return Box{}, err
	}
	rect := shape.Box()
	return Box{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height}, nil
}

func (p *rodPage) ScreenshotRegion(box Box) ([]byte, error) {
	return p.page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
		Clip: &proto.PageViewport{
			X:      box.X,
			Y:      box.Y,
			Width:  box.Width,
			Height: box.Height,
			Scale:  1,
		},
	})
}

func (p *rodPage) MouseClick(x, y float64) error {
	if err := p.page.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return err
	}
	return p.page.Mouse.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) MouseDrag(fromX, fromY, toX, toY float64) error {
	mouse := p.page.Mouse
	if err := mouse.MoveTo(proto.Point{X: fromX, Y: fromY}); err != nil {
		return err
	}
	if err := mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	// Step through intermediate points so the gesture looks continuous.
	const steps = 8
	for i := 1; i <= steps; i++ {
		t := float64(i) / steps
		point := proto.Point{X: fromX + (toX-fromX)*t, Y: fromY + (toY-fromY)*t}
		if err := mouse.MoveTo(point); err != nil {
			return err
		}
	}
	return mouse.Up(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Intercept(urlSubstring string, handler func(InterceptedRequest)) (func(), error) {
	router := p.page.HijackRequests()
	err := router.Add("*"+urlSubstring+"*", "", func(h *rod.Hijack) {
		req := InterceptedRequest{
			URL:     h.Request.URL().String(),
			Method:  h.Request.Method(),
			Body:    h.Request.Body(),
			Headers: map[string]string{},
		}
		if auth := h.Request.Header("Authorization"); auth != "" {
			req.Headers["authorization"] = auth
		}
		handler(req)
		h.Response.Fail(proto.NetworkErrorReasonAborted)
	})
	if err != nil {
		return nil, err
	}
	go router.Run()
	return func() { _ = router.Stop() }, nil
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

// =============================================================================
// chromedp backend
// =============================================================================

type chromedpEngine struct{}

type chromedpContext struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	cfg         BrowserConfig
}

type chromedpPage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (chromedpEngine) Launch(ctx context.Context, cfg BrowserConfig) (browserContext, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", cfg.Headless))
	if cfg.DisableGPU {
		opts = append(opts, chromedp.DisableGPU)
	}
	if cfg.Locale != "" {
		opts = append(opts, chromedp.Flag("lang", cfg.Locale))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// Starts the browser process eagerly so launch failures surface here.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp launch: %w", err)
	}
	return &chromedpContext{ctx: browserCtx, cancel: cancel, allocCancel: allocCancel, cfg: cfg}, nil
}

func (c *chromedpContext) SetCookies(domain string, cookies map[string]string) error {
	return chromedp.Run(c.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for name, value := range cookies {
			err := network.SetCookie(name, value).
				WithDomain(domain).
				WithPath("/").
				Do(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	}))
}

func (c *chromedpContext) NewPage() (browserPage, error) {
	pageCtx, cancel := chromedp.NewContext(c.ctx)
	return &chromedpPage{ctx: pageCtx, cancel: cancel}, nil
}

func (c *chromedpContext) Close() error {
	c.cancel()
	c.allocCancel()
	return nil
}

func (p *chromedpPage) Navigate(url string) error {
	return chromedp.Run(p.ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *chromedpPage) Exists(selector string) bool {
	var nodes []*cdp.Node
	err := chromedp.Run(p.ctx,
		chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	)
	return err == nil && len(nodes) > 0
}

func (p *chromedpPage) Click(selector string) error {
	return chromedp.Run(p.ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *chromedpPage) Type(selector, text string) error {
	return chromedp.Run(p.ctx, chromedp.SendKeys(selector, text, chromedp.ByQuery))
}

func (p *chromedpPage) Text(selector string) (string, error) {
	var out string
	err := chromedp.Run(p.ctx, chromedp.Text(selector, &out, chromedp.ByQuery))
	return out, err
}

func (p *chromedpPage) ElementBox(selector string) (Box, error) {
	var box Box
	expr := fmt.Sprintf(`(() => {
		const r = document.querySelector(%q).getBoundingClientRect();
		return {x: r.x, y: r.y, width: r.width, height: r.height};
	})()`, selector)
	err := chromedp.Run(p.ctx, chromedp.Evaluate(expr, &struct {
		X      *float64 `json:"x"`
		Y      *float64 `json:"y"`
		Width  *float64 `json:"width"`
		Height *float64 `json:"height"`
	}{&box.X, &box.Y, &box.Width, &box.Height}))
	return box, err
}

func (p *chromedpPage) ScreenshotRegion(box Box) ([]byte, error) {
	var buf []byte
	err := chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, err := cdppage.CaptureScreenshot().
			WithFormat(cdppage.CaptureScreenshotFormatPng).
			WithClip(&cdppage.Viewport{
				X:      box.X,
				Y:      box.Y,
				Width:  box.Width,
				Height: box.Height,
				Scale:  1,
			}).
			Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	return buf, err
}

func (p *chromedpPage) MouseClick(x, y float64) error {
	return chromedp.Run(p.ctx, chromedp.MouseClickXY(x, y))
}

func (p *chromedpPage) MouseDrag(fromX, fromY, toX, toY float64) error {
	return chromedp.Run(p.ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		press := input.DispatchMouseEvent(input.MousePressed, fromX, fromY).
			WithButton(input.Left).
			WithClickCount(1)
		if err := press.Do(ctx); err != nil {
			return err
		}
		const steps = 8
		for i := 1; i <= steps; i++ {
			t := float64(i) / steps
			move := input.DispatchMouseEvent(input.MouseMoved,
				fromX+(toX-fromX)*t, fromY+(toY-fromY)*t).
				WithButton(input.Left)
			if err := move.Do(ctx); err != nil {
				return err
			}
		}
		release := input.DispatchMouseEvent(input.MouseReleased, toX, toY).
			WithButton(input.Left).
			WithClickCount(1)
		return release.Do(ctx)
	}))
}

func (p *chromedpPage) Intercept(urlSubstring string, handler func(InterceptedRequest)) (func(), error) {
	err := chromedp.Run(p.ctx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
		{URLPattern: "*" + urlSubstring + "*", RequestStage: fetch.RequestStageRequest},
	}))
	if err != nil {
		return nil, err
	}

	chromedp.ListenTarget(p.ctx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(p.ctx)
			execCtx := cdp.WithExecutor(p.ctx, c.Target)
			if strings.Contains(paused.Request.URL, urlSubstring) {
				handler(InterceptedRequest{
					URL:     paused.Request.URL,
					Method:  paused.Request.Method,
					Body:    requestPostData(paused.Request),
					Headers: stringHeaders(paused.Request.Headers),
				})
				_ = fetch.FailRequest(paused.RequestID, network.ErrorReasonAborted).Do(execCtx)
				return
			}
			_ = fetch.ContinueRequest(paused.RequestID).Do(execCtx)
		}()
	})

	stop := func() {
		_ = chromedp.Run(p.ctx, fetch.Disable())
	}
	return stop, nil
}

func (p *chromedpPage) Close() error {
	p.cancel()
	return nil
}

func requestPostData(req *network.Request) string {
	if len(req.PostDataEntries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, entry := range req.PostDataEntries {
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			continue
		}
		b.Write(decoded)
	}
	return b.String()
}

func stringHeaders(headers network.Headers) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		if s, ok := value.(string); ok {
			out[strings.ToLower(name)] = s
		}
	}
	return out
}
