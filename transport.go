package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	http "github.com/bogdanfinn/fhttp"
)

const defaultMaxRetries = 3

// httpDoer is the slice of tls_client.HttpClient the transport needs. Tests
// substitute a stub; production wires the real fingerprinted client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
	SetProxy(proxyURL string) error
}

// clientFactory builds the underlying TLS-fingerprinting engine for one
// identity/proxy pair.
type clientFactory func(profile *FingerprintProfile, proxyURL string, timeoutSeconds int) (httpDoer, error)

// RequestOptions carries everything a single request needs beyond the URL.
type RequestOptions struct {
	Method         string
	Headers        map[string]string // caller overrides, highest precedence
	Body           []byte
	TimeoutSeconds int
	Cookies        map[string]string
	BearerToken    string
	Proxy          string // per-request proxy override
	DeviceID       string
	Referer        string
}

// Response is the normalized transport result. JSON is the opportunistically
// decoded body; when decoding fails the raw Body is still valid and JSON is
// nil — never an error.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	JSON       any
	Cookies    map[string]string // normalized Set-Cookie name -> value
	ProfileID  string            // identity that carried the request
}

// clientEntry guards one engine startup so concurrent first users of the same
// identity/proxy pair share a single in-flight initialization.
type clientEntry struct {
	once   sync.Once
	client httpDoer
	err    error
}

// Transport is the shared process-wide HTTP layer: it applies the active
// fingerprint identity, detects anti-bot blocks, and rotates away from
// blocked identities. Ordinary requests proceed fully in parallel; only the
// pool's rotation state and the client cache are lock-protected.
type Transport struct {
	pool     *IdentityPool
	strategy RotationStrategy
	logger   Logger

	newClient      clientFactory
	timeoutSeconds int
	maxRetries     int

	mu              sync.Mutex
	proxy           string
	rotateOnRequest bool
	clients         map[string]*clientEntry
}

// NewTransport wires a transport over the identity pool using the real
// tls-client engine.
func NewTransport(pool *IdentityPool, cfg Config, logger Logger) *Transport {
	if logger == nil {
		logger = noopLogger{}
	}
	t := &Transport{
		pool:            pool,
		strategy:        cfg.RotationStrategy,
		logger:          logger,
		timeoutSeconds:  cfg.TimeoutSeconds,
		maxRetries:      cfg.MaxRetries,
		proxy:           "",
		rotateOnRequest: cfg.RotateOnRequest,
		clients:         make(map[string]*clientEntry),
		newClient: func(profile *FingerprintProfile, proxyURL string, timeoutSeconds int) (httpDoer, error) {
			return NewFingerprintedClient(nil, proxyURL, profile.TLSProfile, timeoutSeconds)
		},
	}
	if t.maxRetries <= 0 {
		t.maxRetries = defaultMaxRetries
	}
	if proxyURL, err := (ProxyConfig{URL: cfg.ProxyURL, Username: cfg.ProxyUsername, Password: cfg.ProxyPassword}).Resolve(); err == nil {
		t.proxy = proxyURL
	}
	return t
}

// SetProxy replaces the transport-wide proxy. Existing cached engines keep
// their connection pools; new identity/proxy pairs get fresh engines.
func (t *Transport) SetProxy(proxyURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.proxy = proxyURL
}

func (t *Transport) GetProxy() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proxy
}

// SetRotationEnabled toggles rotation on every request (as opposed to
// rotating only when a block is detected).
func (t *Transport) SetRotationEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotateOnRequest = enabled
}

// Rotate advances the identity pool by one step.
func (t *Transport) Rotate() *FingerprintProfile {
	return t.pool.Next(t.strategy)
}

// BlockCurrent blocks the active identity and rotates away from it.
func (t *Transport) BlockCurrent() *FingerprintProfile {
	t.pool.Block(t.pool.Current().ID)
	return t.pool.Next(t.strategy)
}

// clientFor returns the engine for an identity/proxy pair, starting it at
// most once even under concurrent first use.
func (t *Transport) clientFor(profile *FingerprintProfile, proxyURL string) (httpDoer, error) {
	key := profile.ID + "|" + proxyURL

	t.mu.Lock()
	entry, ok := t.clients[key]
	if !ok {
		entry = &clientEntry{}
		t.clients[key] = entry
	}
	t.mu.Unlock()

	entry.once.Do(func() {
		entry.client, entry.err = t.newClient(profile, proxyURL, t.timeoutSeconds)
	})
	return entry.client, entry.err
}

// Request sends one HTTP request through the fingerprinting engine using the
// active identity (rotating first when rotate-on-request is enabled).
func (t *Transport) Request(ctx context.Context, rawURL string, opts RequestOptions) (*Response, error) {
	t.mu.Lock()
	rotate := t.rotateOnRequest
	proxy := t.proxy
	t.mu.Unlock()

	var profile *FingerprintProfile
	if rotate {
		profile = t.pool.Next(t.strategy)
	} else {
		profile = t.pool.Current()
	}
	if opts.Proxy != "" {
		proxy = opts.Proxy
	}

	client, err := t.clientFor(profile, proxy)
	if err != nil {
		return nil, fmt.Errorf("engine init: %w", err)
	}

	req, err := t.buildRequest(ctx, rawURL, profile, opts)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		t.logger.Log("%s %s -> error: %v", req.Method, req.URL.Path, err)
		return nil, err
	}
	defer resp.Body.Close()
	t.logger.Log("%s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	body, err := readResponseBody(resp)
	if err != nil {
		return nil, err
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
		Cookies:    make(map[string]string),
		ProfileID:  profile.ID,
	}
	for _, c := range resp.Cookies() {
		out.Cookies[c.Name] = c.Value
	}
	// Opportunistic decode; raw body stays authoritative on failure.
	var decoded any
	if json.Unmarshal(body, &decoded) == nil {
		out.JSON = decoded
	}
	return out, nil
}

// RequestWithRetry wraps Request in a bounded retry loop. Challenge-signature
// responses block the active identity and rotate; network errors rotate
// without blocking. Backoff grows 2^attempt seconds between attempts and is
// cancellable through ctx. No rotation happens after the final attempt.
func (t *Transport) RequestWithRetry(ctx context.Context, rawURL string, opts RequestOptions, maxRetries int) (*Response, error) {
	if maxRetries <= 0 {
		maxRetries = t.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err := t.Request(ctx, rawURL, opts)
		if err != nil {
			lastErr = err
			if attempt == maxRetries-1 {
				break
			}
			t.pool.Next(t.strategy)
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		if marker, blocked := classifyChallenge(resp.StatusCode, resp.Headers, resp.Body); blocked {
			t.pool.Block(resp.ProfileID)
			lastErr = &ChallengeDetectedError{StatusCode: resp.StatusCode, Marker: marker, Attempts: attempt + 1}
			if attempt == maxRetries-1 {
				break
			}
			t.pool.Next(t.strategy)
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		return resp, nil
	}
	return nil, lastErr
}

// buildRequest layers headers: identity-derived, then standard browser-like,
// then cookie, then bearer authorization, then caller overrides (highest
// precedence), preserving browser header order on the wire.
func (t *Transport) buildRequest(ctx context.Context, rawURL string, profile *FingerprintProfile, opts RequestOptions) (*http.Request, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader *bytes.Reader
	var req *http.Request
	var err error
	if len(opts.Body) > 0 {
		bodyReader = bytes.NewReader(opts.Body)
		req, err = http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, rawURL, nil)
	}
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	var order []string
	set := func(name, value string) {
		key := strings.ToLower(name)
		if _, exists := header[http.CanonicalHeaderKey(name)]; !exists {
			order = append(order, key)
		}
		header.Set(name, value)
	}

	// Identity layer.
	set("user-agent", profile.UserAgent)
	for _, hint := range profile.ClientHints {
		set(hint.Name, hint.Value)
	}
	for name, value := range profile.ProductHeaders {
		set(name, value)
	}

	// Standard browser-like layer.
	set("accept", "*/*")
	set("accept-language", "en-US,en;q=0.9")
	set("accept-encoding", "gzip, deflate, br, zstd")
	set("connection", "keep-alive")
	set("origin", sunoWebBaseURL)
	if opts.Referer != "" {
		set("referer", opts.Referer)
	} else {
		set("referer", sunoWebBaseURL+"/")
	}
	set("sec-fetch-site", "same-site")
	set("sec-fetch-mode", "cors")
	set("sec-fetch-dest", "empty")
	if opts.DeviceID != "" {
		set("device-id", opts.DeviceID)
	}

	// Cookie layer.
	if len(opts.Cookies) > 0 {
		set("cookie", encodeCookieHeader(opts.Cookies))
	}

	// Credential layer.
	if opts.BearerToken != "" {
		set("authorization", "Bearer "+opts.BearerToken)
	}

	// Caller overrides win last.
	for name, value := range opts.Headers {
		set(name, value)
	}

	header[http.HeaderOrderKey] = order
	header[http.PHeaderOrderKey] = PseudoHeaderOrder
	req.Header = header
	return req, nil
}

// encodeCookieHeader renders a cookie map as a Cookie header value with
// stable ordering.
func encodeCookieHeader(cookies map[string]string) string {
	pairs := make([]string, 0, len(cookies))
	for _, name := range sortedKeys(cookies) {
		pairs = append(pairs, name+"="+cookies[name])
	}
	return strings.Join(pairs, "; ")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// challengeMarkerHeaders are the rate-limit/CDN headers that flag an
// interstitial block regardless of body content.
var challengeMarkerHeaders = []string{
	"cf-mitigated",
	"x-amzn-waf-action",
	"x-dd-b",
	"retry-after",
}

// challengeBodyMarkers are substrings of known challenge pages.
var challengeBodyMarkers = []string{
	"<title>Just a moment...</title>",
	"challenge-platform",
	"cf-chl",
	"hcaptcha.com/1/api.js",
	"Attention Required!",
}

// classifyChallenge matches the anti-bot block signature: HTTP 403/503 AND
// (a marker header present OR a known challenge-page substring in the body).
// The same body with any other status is never a challenge.
func classifyChallenge(status int, headers http.Header, body []byte) (marker string, blocked bool) {
	if status != http.StatusForbidden && status != http.StatusServiceUnavailable {
		return "", false
	}
	for _, name := range challengeMarkerHeaders {
		if headers.Get(name) != "" {
			return name, true
		}
	}
	bodyStr := string(body)
	for _, m := range challengeBodyMarkers {
		if strings.Contains(bodyStr, m) {
			return m, true
		}
	}
	return "", false
}

// backoffDelay is the pure retry schedule: 2^attempt seconds for attempt 0,1,2...
func backoffDelay(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// sleepBackoff suspends for the schedule delay, aborting early when ctx is
// cancelled.
func sleepBackoff(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoffDelay(attempt)):
		return nil
	}
}
