package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// errBadSolution marks a round abandoned after a bad-solution report.
var errBadSolution = errors.New("bad solution reported")

const (
	// maxChallengeRounds bounds the solving loop: each round is one captured
	// challenge instance (the widget can chain several).
	maxChallengeRounds = 5

	// challengeAppearTimeout is how long the loop waits for the widget to
	// render before a round is considered stalled.
	challengeAppearTimeout = 30 * time.Second

	challengePollInterval = 500 * time.Millisecond
)

// Challenge page selectors. The widget renders inside its own frame; these
// target the visible solving surface.
const (
	overlayDismissSelector  = `button[aria-label="Close"]`
	promptInputSelector     = `textarea[data-testid="create-prompt"]`
	createButtonSelector    = `button[data-testid="create-button"]`
	challengeViewSelector   = `.challenge-view`
	challengePromptSelector = `.prompt-text`
	challengeSubmitSelector = `.button-submit`
)

// triggerPromptText is the throwaway input typed into the create form to
// provoke the challenge.
const triggerPromptText = "lo-fi instrumental"

// CapturedToken is the solved-challenge token recovered from the intercepted
// upstream request.
type CapturedToken struct {
	Token     string
	Timestamp time.Time
}

// challengeKind distinguishes the two puzzle variants.
type challengeKind int

const (
	kindClick challengeKind = iota
	kindDrag
)

// ChallengeResolver drives a real browser to trigger and solve the
// interactive anti-bot challenge, recovering the resulting token.
type ChallengeResolver struct {
	transport *Transport
	session   *SessionManager
	solver    CaptchaSolver
	engine    browserEngine
	cfg       Config
	logger    Logger

	dragInstruction string // base64 instructional imagery, loaded lazily
	dragOnce        sync.Once

	// solveMu serializes Solve per session: two concurrent solves would race
	// to install a token and leak a second browser process.
	solveMu sync.Mutex
}

// NewChallengeResolver wires a resolver over the shared transport/session.
func NewChallengeResolver(transport *Transport, session *SessionManager, solver CaptchaSolver, cfg Config, logger Logger) (*ChallengeResolver, error) {
	engine, err := newBrowserEngine(cfg.BrowserEngine)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &ChallengeResolver{
		transport: transport,
		session:   session,
		solver:    solver,
		engine:    engine,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// IsRequired probes the challenge-check endpoint through the authenticated
// transport.
func (r *ChallengeResolver) IsRequired(ctx context.Context) (bool, error) {
	if err := r.session.KeepAlive(ctx, false); err != nil {
		return false, err
	}
	resp, err := r.transport.RequestWithRetry(ctx, challengeCheckURL, RequestOptions{
		Method:      "GET",
		Cookies:     r.session.Cookies(),
		BearerToken: r.session.CurrentToken(),
		DeviceID:    r.session.DeviceID(),
	}, 0)
	if err != nil {
		return false, err
	}
	r.session.UpdateCookies(resp.Cookies)

	var payload struct {
		Required bool `json:"required"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return false, nil
	}
	return payload.Required, nil
}

// GetToken runs Solve and returns just the token ("" when no challenge was
// required).
func (r *ChallengeResolver) GetToken(ctx context.Context) (string, error) {
	captured, err := r.Solve(ctx)
	if err != nil {
		return "", err
	}
	if captured == nil {
		return "", nil
	}
	return captured.Token, nil
}

// Solve returns nil when no challenge is required. Otherwise it launches one
// isolated browser context seeded with the live session, provokes the
// challenge, runs the solving loop, and returns the token captured from the
// intercepted upstream request. The context is closed on every exit path.
// Concurrent Solve calls on the same resolver are serialized.
func (r *ChallengeResolver) Solve(ctx context.Context) (*CapturedToken, error) {
	r.solveMu.Lock()
	defer r.solveMu.Unlock()

	required, err := r.IsRequired(ctx)
	if err != nil {
		return nil, err
	}
	if !required {
		return nil, nil
	}

	profile := r.transport.pool.Current()
	browserCtx, err := r.engine.Launch(ctx, BrowserConfig{
		Headless:   r.cfg.Headless,
		DisableGPU: r.cfg.DisableGPU,
		Locale:     r.cfg.Locale,
		UserAgent:  profile.UserAgent,
		ProxyURL:   r.transport.GetProxy(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser context: %w", err)
	}
	defer browserCtx.Close()

	solveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := browserCtx.SetCookies(sunoCookieDomain, r.session.Cookies()); err != nil {
		return nil, fmt.Errorf("failed to seed session cookies: %w", err)
	}

	page, err := browserCtx.NewPage()
	if err != nil {
		return nil, err
	}

	// The single success exit: the request that would carry the solved token
	// upstream is aborted before it reaches the network, its payload token
	// extracted, and any renewed bearer credential installed.
	tokenCh := make(chan CapturedToken, 1)
	var resolveOnce sync.Once
	stop, err := page.Intercept(tokenCarrierPath, func(req InterceptedRequest) {
		token := extractPayloadToken(req.Body)
		if token == "" {
			return
		}
		if auth, ok := req.Headers["authorization"]; ok {
			if bearer, found := strings.CutPrefix(auth, "Bearer "); found {
				r.session.SetToken(bearer)
			}
		}
		resolveOnce.Do(func() {
			tokenCh <- CapturedToken{Token: token, Timestamp: time.Now()}
			cancel() // stops the solving loop the instant the future resolves
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach request interception: %w", err)
	}
	defer stop()

	if err := page.Navigate(createPageURL); err != nil {
		return nil, fmt.Errorf("failed to open create page: %w", err)
	}
	r.dismissOverlays(page)
	if err := r.triggerChallenge(page); err != nil {
		return nil, err
	}

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- r.runSolveLoop(solveCtx, page)
	}()

	select {
	case captured := <-tokenCh:
		r.logger.Log("Challenge token captured")
		return &captured, nil
	case err := <-loopErr:
		if err == nil || isSurfaceClosed(err) {
			// Expected once interception fires: give the token a beat to land.
			select {
			case captured := <-tokenCh:
				r.logger.Log("Challenge token captured")
				return &captured, nil
			case <-time.After(2 * time.Second):
				if err == nil {
					err = fmt.Errorf("solving loop finished without a captured token")
				}
				return nil, err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dismissOverlays closes incidental dialogs that would swallow clicks.
func (r *ChallengeResolver) dismissOverlays(page browserPage) {
	if page.Exists(overlayDismissSelector) {
		_ = page.Click(overlayDismissSelector)
	}
}

// triggerChallenge performs the minimal interaction that provokes the
// challenge: focus the prompt input, type a token string, submit.
func (r *ChallengeResolver) triggerChallenge(page browserPage) error {
	if err := page.Type(promptInputSelector, triggerPromptText); err != nil {
		return fmt.Errorf("failed to fill create prompt: %w", err)
	}
	if err := page.Click(createButtonSelector); err != nil {
		return fmt.Errorf("failed to submit create form: %w", err)
	}
	return nil
}

// runSolveLoop captures, solves, and applies challenge instances until the
// shared cancellation fires (token captured) or the round budget is spent.
func (r *ChallengeResolver) runSolveLoop(ctx context.Context, page browserPage) error {
	for round := 0; round < maxChallengeRounds; round++ {
		appeared, err := r.waitForChallenge(ctx, page)
		if err != nil {
			return err
		}
		if !appeared {
			return nil // cancelled or widget gone: let the caller decide
		}

		if err := r.solveRound(ctx, page); err != nil {
			if errors.Is(err, errBadSolution) {
				continue // round abandoned, recapture on the next pass
			}
			return err
		}

		if err := page.Click(challengeSubmitSelector); err != nil {
			if isSurfaceClosed(err) {
				return nil
			}
			return fmt.Errorf("failed to submit challenge: %w", err)
		}
	}
	return fmt.Errorf("challenge persisted after %d rounds", maxChallengeRounds)
}

// waitForChallenge polls for the widget. Returns false without error when the
// shared cancellation fired first.
func (r *ChallengeResolver) waitForChallenge(ctx context.Context, page browserPage) (bool, error) {
	deadline := time.Now().Add(challengeAppearTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(challengePollInterval):
		}
		if page.Exists(challengeViewSelector) {
			return true, nil
		}
	}
	return false, fmt.Errorf("challenge widget did not appear within %s", challengeAppearTimeout)
}

// solveRound captures one challenge instance, obtains a solution, and applies
// it as clicks or drag gestures.
func (r *ChallengeResolver) solveRound(ctx context.Context, page browserPage) error {
	prompt, err := page.Text(challengePromptSelector)
	if err != nil {
		if isSurfaceClosed(err) {
			return ErrSurfaceClosed
		}
		return fmt.Errorf("failed to read challenge prompt: %w", err)
	}
	kind := detectChallengeKind(prompt)

	box, err := page.ElementBox(challengeViewSelector)
	if err != nil {
		if isSurfaceClosed(err) {
			return ErrSurfaceClosed
		}
		return fmt.Errorf("failed to locate challenge region: %w", err)
	}

	capture, err := page.ScreenshotRegion(box)
	if err != nil {
		if isSurfaceClosed(err) {
			return ErrSurfaceClosed
		}
		return fmt.Errorf("failed to capture challenge: %w", err)
	}

	solution, err := r.solveWithRetry(ctx, capture, prompt, kind)
	if err != nil {
		return err
	}

	return r.applySolution(ctx, page, box, kind, solution)
}

// solveWithRetry submits one captured challenge to the solving service, up to
// maxSolverAttempts times before the round fails.
func (r *ChallengeResolver) solveWithRetry(ctx context.Context, capture []byte, prompt string, kind challengeKind) (*CaptchaSolution, error) {
	req := CoordinateRequest{
		ImageBase64:     base64.StdEncoding.EncodeToString(capture),
		Locale:          r.cfg.Locale,
		InstructionText: prompt,
	}
	if kind == kindDrag {
		req.InstructionBase64 = r.dragInstructionImage()
	}

	var lastErr error
	for attempt := 1; attempt <= maxSolverAttempts; attempt++ {
		solution, err := r.solver.SolveCoordinates(ctx, req)
		if err == nil {
			return solution, nil
		}
		lastErr = err
		if IsFatalError(err) {
			return nil, err
		}
		r.logger.Log("Solver attempt %d/%d failed: %v", attempt, maxSolverAttempts, err)
	}
	return nil, &SolverError{Attempts: maxSolverAttempts, Err: lastErr}
}

// applySolution replays the solver's coordinates on the page. Click solutions
// are individual points; drag solutions consume coordinates in consecutive
// even/odd pairs, each producing a press-move-release gesture. An odd-length
// drag solution is reported back as bad and the round abandoned without
// applying partial gestures.
func (r *ChallengeResolver) applySolution(ctx context.Context, page browserPage, box Box, kind challengeKind, solution *CaptchaSolution) error {
	switch kind {
	case kindDrag:
		if len(solution.Coordinates)%2 != 0 {
			r.logger.Log("Odd drag solution (%d points), reporting bad solution", len(solution.Coordinates))
			if err := r.solver.ReportBad(ctx, solution.ID); err != nil {
				r.logger.Log("Bad-solution report failed: %v", err)
			}
			return fmt.Errorf("%w: odd drag solution (%d points)", errBadSolution, len(solution.Coordinates))
		}
		for i := 0; i+1 < len(solution.Coordinates); i += 2 {
			from := solution.Coordinates[i]
			to := solution.Coordinates[i+1]
			err := page.MouseDrag(
				box.X+float64(from.X), box.Y+float64(from.Y),
				box.X+float64(to.X), box.Y+float64(to.Y),
			)
			if err != nil {
				if isSurfaceClosed(err) {
					return ErrSurfaceClosed
				}
				return fmt.Errorf("drag gesture failed: %w", err)
			}
		}
	default:
		for _, point := range solution.Coordinates {
			if err := page.MouseClick(box.X+float64(point.X), box.Y+float64(point.Y)); err != nil {
				if isSurfaceClosed(err) {
					return ErrSurfaceClosed
				}
				return fmt.Errorf("click gesture failed: %w", err)
			}
		}
	}
	return nil
}

// detectChallengeKind reads the puzzle variant from the visible prompt text.
func detectChallengeKind(prompt string) challengeKind {
	lowered := strings.ToLower(prompt)
	if strings.Contains(lowered, "drag") || strings.Contains(lowered, "puzzle piece") {
		return kindDrag
	}
	return kindClick
}

// extractPayloadToken pulls the solved-challenge token out of the intercepted
// request body.
func extractPayloadToken(body string) string {
	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return ""
	}
	for _, key := range []string{"token", "captcha_token", "h_captcha_response"} {
		if value, ok := payload[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

// dragInstructionImage loads the optional instructional imagery for drag
// challenges once per process.
func (r *ChallengeResolver) dragInstructionImage() string {
	r.dragOnce.Do(func() {
		if r.cfg.DragInstructionPath == "" {
			return
		}
		data, err := os.ReadFile(r.cfg.DragInstructionPath)
		if err != nil {
			r.logger.Log("Drag instruction image unavailable: %v", err)
			return
		}
		r.dragInstruction = base64.StdEncoding.EncodeToString(data)
	})
	return r.dragInstruction
}
