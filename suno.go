package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	sunoWebBaseURL   = "https://suno.com"
	sunoCookieDomain = ".suno.com"
	studioBaseURL    = "https://studio-api.prod.suno.com"

	challengeCheckURL = studioBaseURL + "/api/c/check"
	generateURL       = studioBaseURL + "/api/generate/v2/"
	lyricsURL         = studioBaseURL + "/api/generate/lyrics/"
	feedURL           = studioBaseURL + "/api/feed/v2"
	personaURL        = studioBaseURL + "/api/persona/"
	billingURL        = studioBaseURL + "/api/billing/info/"

	createPageURL = sunoWebBaseURL + "/create"

	// tokenCarrierPath identifies the one request that carries the solved
	// challenge token upstream; the resolver intercepts it.
	tokenCarrierPath = "/api/generate/v2"

	// defaultModel is the generation model requested when the caller does not
	// pick one.
	defaultModel = "chirp-v4"

	lyricsPollInterval = 2 * time.Second
	lyricsPollBudget   = 60 * time.Second
)

// GenerationRequest describes one song generation job.
type GenerationRequest struct {
	Prompt       string
	Tags         string
	Title        string
	Model        string
	Instrumental bool
	// ContinueClip, when set, extends an existing clip instead of starting
	// fresh.
	ContinueClip string
	ContinueAt   float64
}

// Clip is one generated audio clip as reported by the feed.
type Clip struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Title    string `json:"title"`
	AudioURL string `json:"audio_url"`
	VideoURL string `json:"video_url"`
	ImageURL string `json:"image_large_url"`
}

// Generation is the immediate response to a generation job.
type Generation struct {
	ID    string `json:"id"`
	Clips []Clip `json:"clips"`
}

// Persona is a saved voice/style identity usable in generation requests.
type Persona struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	RootID string `json:"root_clip_id"`
}

// BillingInfo reports remaining generation credits.
type BillingInfo struct {
	TotalCredits float64 `json:"total_credits_left"`
	Period       string  `json:"period"`
	Plan         string  `json:"plan"`
}

// SunoClient layers the generation features over the anti-detection core.
// It treats Transport, SessionManager, and ChallengeResolver as black boxes:
// every call keeps the session alive first and escalates to the browser
// fallback when the HTTP layer reports a persistent block.
type SunoClient struct {
	transport *Transport
	session   *SessionManager
	resolver  *ChallengeResolver
	logger    Logger
}

func NewSunoClient(transport *Transport, session *SessionManager, resolver *ChallengeResolver, logger Logger) *SunoClient {
	if logger == nil {
		logger = noopLogger{}
	}
	return &SunoClient{
		transport: transport,
		session:   session,
		resolver:  resolver,
		logger:    logger,
	}
}

// apiCall sends one authenticated JSON call, merging response cookies back
// into the session. On challenge escalation it runs the browser fallback once
// and retries.
func (c *SunoClient) apiCall(ctx context.Context, method, rawURL string, payload any) (*Response, error) {
	if err := c.session.KeepAlive(ctx, false); err != nil {
		return nil, err
	}

	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = encoded
	}

	opts := RequestOptions{
		Method:      method,
		Body:        body,
		Cookies:     c.session.Cookies(),
		BearerToken: c.session.CurrentToken(),
		DeviceID:    c.session.DeviceID(),
		Headers:     map[string]string{"content-type": "application/json"},
	}

	resp, err := c.transport.RequestWithRetry(ctx, rawURL, opts, 0)
	if err != nil && errors.Is(err, ErrChallengeEscalation) && c.resolver != nil {
		c.logger.Log("Block persisted through rotation, escalating to browser fallback")
		if _, solveErr := c.resolver.Solve(ctx); solveErr != nil {
			return nil, fmt.Errorf("browser fallback failed: %w (after %v)", solveErr, err)
		}
		opts.BearerToken = c.session.CurrentToken()
		opts.Cookies = c.session.Cookies()
		resp, err = c.transport.RequestWithRetry(ctx, rawURL, opts, 0)
	}
	if err != nil {
		return nil, err
	}

	c.session.UpdateCookies(resp.Cookies)
	return resp, nil
}

// GenerateSong submits a generation job. When the service expects a solved
// challenge token alongside the job, the resolver supplies one first.
func (c *SunoClient) GenerateSong(ctx context.Context, req GenerationRequest) (*Generation, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}

	payload := map[string]any{
		"prompt":            req.Prompt,
		"tags":              req.Tags,
		"title":             req.Title,
		"mv":                model,
		"make_instrumental": req.Instrumental,
	}
	if req.ContinueClip != "" {
		payload["continue_clip_id"] = req.ContinueClip
		payload["continue_at"] = req.ContinueAt
	}

	if c.resolver != nil {
		token, err := c.resolver.GetToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("challenge resolution failed: %w", err)
		}
		if token != "" {
			payload["token"] = token
		}
	}

	resp, err := c.apiCall(ctx, "POST", generateURL, payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("generation rejected (status %d): %s", resp.StatusCode, bodyPreview(resp.Body))
	}

	var gen Generation
	if err := json.Unmarshal(resp.Body, &gen); err != nil {
		return nil, fmt.Errorf("failed to parse generation response: %w", err)
	}
	c.logger.Log("Generation %s started with %d clips", gen.ID, len(gen.Clips))
	return &gen, nil
}

// GetFeed fetches clip states for the given ids.
func (c *SunoClient) GetFeed(ctx context.Context, ids []string) ([]Clip, error) {
	feed := feedURL
	if len(ids) > 0 {
		feed += "?ids=" + url.QueryEscape(strings.Join(ids, ","))
	}

	resp, err := c.apiCall(ctx, "GET", feed, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("feed fetch failed (status %d)", resp.StatusCode)
	}

	// The feed wraps clips on some plans and returns a bare array on others.
	var wrapped struct {
		Clips []Clip `json:"clips"`
	}
	if err := json.Unmarshal(resp.Body, &wrapped); err == nil && len(wrapped.Clips) > 0 {
		return wrapped.Clips, nil
	}
	var clips []Clip
	if err := json.Unmarshal(resp.Body, &clips); err != nil {
		return nil, fmt.Errorf("failed to parse feed response: %w", err)
	}
	return clips, nil
}

// GenerateLyrics submits a lyrics job and polls until the text is ready.
func (c *SunoClient) GenerateLyrics(ctx context.Context, prompt string) (string, error) {
	resp, err := c.apiCall(ctx, "POST", lyricsURL, map[string]any{"prompt": prompt})
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &created); err != nil || created.ID == "" {
		return "", fmt.Errorf("lyrics job not accepted (status %d)", resp.StatusCode)
	}

	deadline := time.Now().Add(lyricsPollBudget)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(lyricsPollInterval):
		}

		poll, err := c.apiCall(ctx, "GET", lyricsURL+created.ID, nil)
		if err != nil {
			return "", err
		}
		var status struct {
			Status string `json:"status"`
			Text   string `json:"text"`
		}
		if err := json.Unmarshal(poll.Body, &status); err != nil {
			continue
		}
		if status.Status == "complete" {
			return status.Text, nil
		}
	}
	return "", fmt.Errorf("lyrics job %s did not complete within %s", created.ID, lyricsPollBudget)
}

// GetPersona looks up a saved persona by id.
func (c *SunoClient) GetPersona(ctx context.Context, id string) (*Persona, error) {
	resp, err := c.apiCall(ctx, "GET", personaURL+id, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("persona lookup failed (status %d)", resp.StatusCode)
	}
	var persona Persona
	if err := json.Unmarshal(resp.Body, &persona); err != nil {
		return nil, fmt.Errorf("failed to parse persona response: %w", err)
	}
	return &persona, nil
}

// BillingInfo fetches remaining credits; the scheduler checks this before
// queueing jobs.
func (c *SunoClient) BillingInfo(ctx context.Context) (*BillingInfo, error) {
	resp, err := c.apiCall(ctx, "GET", billingURL, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("billing info failed (status %d)", resp.StatusCode)
	}
	var info BillingInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse billing response: %w", err)
	}
	return &info, nil
}

func bodyPreview(body []byte) string {
	preview := string(body)
	if len(preview) > 500 {
		preview = preview[:500]
	}
	return preview
}
