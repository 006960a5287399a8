package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	clerkBaseURL   = "https://clerk.suno.com"
	clerkJSVersion = "4.73.4"

	// analyticsCookieName seeds the stable device id when present.
	analyticsCookieName = "ajs_anonymous_id"

	// defaultValidityBufferMs is the safety margin subtracted from the token
	// expiry when deciding whether a refresh is needed.
	defaultValidityBufferMs = 60_000
)

// TokenInfo is the decoded view of the current bearer credential.
type TokenInfo struct {
	JWT       string
	ExpiresAt int64 // epoch milliseconds from the token's exp claim
}

// SessionManager owns the authenticated session against the identity
// provider: cookie state, the stable device id, the provider session id, and
// the short-lived bearer token. All mutable state is mutex-guarded; the token
// is replaced, never mutated in place, on every refresh.
type SessionManager struct {
	transport *Transport
	logger    Logger

	mu        sync.Mutex
	cookies   map[string]string
	deviceID  string
	sessionID string
	token     string
	tokenInfo *TokenInfo // nil means "treat as invalid"
	onToken   func(token string)

	now func() time.Time // injected for tests
}

// NewSessionManager creates an unbootstrapped session over the transport.
func NewSessionManager(transport *Transport, logger Logger) *SessionManager {
	if logger == nil {
		logger = noopLogger{}
	}
	return &SessionManager{
		transport: transport,
		logger:    logger,
		cookies:   make(map[string]string),
		now:       time.Now,
	}
}

// OnToken registers a listener invoked with every newly installed token.
func (s *SessionManager) OnToken(fn func(token string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onToken = fn
}

// Bootstrap parses the caller's cookie header, derives the device id, and
// fetches the provider session id. A provider response without a session id
// is fatal: the cookie credential is invalid or expired.
func (s *SessionManager) Bootstrap(ctx context.Context, cookieString string) error {
	cookies := parseCookieString(cookieString)
	if len(cookies) == 0 {
		return &AuthBootstrapError{Reason: "empty cookie credential"}
	}

	s.mu.Lock()
	s.cookies = cookies
	if s.deviceID == "" {
		if existing, ok := cookies[analyticsCookieName]; ok && existing != "" {
			s.deviceID = strings.Trim(existing, `"`)
		} else {
			s.deviceID = uuid.New().String()
		}
	}
	deviceID := s.deviceID
	s.mu.Unlock()

	resp, err := s.transport.RequestWithRetry(ctx, clerkBaseURL+"/v1/client?_clerk_js_version="+clerkJSVersion, RequestOptions{
		Method:   "GET",
		Cookies:  cookies,
		DeviceID: deviceID,
	}, 0)
	if err != nil {
		return fmt.Errorf("session bootstrap request: %w", err)
	}
	s.applyCookies(resp.Cookies)

	var payload struct {
		Response struct {
			LastActiveSessionID string `json:"last_active_session_id"`
		} `json:"response"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.Response.LastActiveSessionID == "" {
		return &AuthBootstrapError{Reason: fmt.Sprintf("no session id in provider response (status %d)", resp.StatusCode)}
	}

	s.mu.Lock()
	s.sessionID = payload.Response.LastActiveSessionID
	s.mu.Unlock()
	s.logger.Log("Session bootstrapped: %s (device %s)", payload.Response.LastActiveSessionID, deviceID)
	return nil
}

// Refresh returns the current token when it is still valid (unless forced),
// otherwise obtains a fresh one from the provider's token-issuance endpoint.
func (s *SessionManager) Refresh(ctx context.Context, force bool) (string, error) {
	s.mu.Lock()
	sessionID := s.sessionID
	current := s.token
	cookies := s.cookieSnapshotLocked()
	deviceID := s.deviceID
	s.mu.Unlock()

	if sessionID == "" {
		return "", &TokenRefreshError{SessionID: "", Reason: "session not bootstrapped"}
	}
	if !force && s.IsValid(defaultValidityBufferMs) {
		return current, nil
	}

	tokenURL := fmt.Sprintf("%s/v1/client/sessions/%s/tokens?_clerk_js_version=%s", clerkBaseURL, sessionID, clerkJSVersion)
	resp, err := s.transport.RequestWithRetry(ctx, tokenURL, RequestOptions{
		Method:   "POST",
		Cookies:  cookies,
		DeviceID: deviceID,
	}, 0)
	if err != nil {
		return "", fmt.Errorf("token refresh request: %w", err)
	}
	s.applyCookies(resp.Cookies)

	var payload struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(resp.Body, &payload); err != nil || payload.JWT == "" {
		return "", &TokenRefreshError{SessionID: sessionID, Reason: fmt.Sprintf("provider issued no token (status %d)", resp.StatusCode)}
	}

	s.installToken(payload.JWT)
	return payload.JWT, nil
}

// KeepAlive refreshes the token if needed, discarding the result. Callers
// invoke this before any authenticated call.
func (s *SessionManager) KeepAlive(ctx context.Context, force bool) error {
	_, err := s.Refresh(ctx, force)
	return err
}

// SetToken installs an externally obtained token (e.g. recovered by the
// challenge resolver), decoding its expiry the same way Refresh does.
func (s *SessionManager) SetToken(token string) {
	if token == "" {
		return
	}
	s.installToken(token)
}

// installToken replaces the current token, decodes its expiry claim, and
// notifies the listener. A failed decode is tolerated: the session continues
// without structured expiry tracking and later validity checks force-refresh.
func (s *SessionManager) installToken(token string) {
	info := decodeTokenExpiry(token)

	s.mu.Lock()
	s.token = token
	s.tokenInfo = info
	listener := s.onToken
	s.mu.Unlock()

	if info == nil {
		s.logger.Log("Token installed without decodable expiry; will refresh eagerly")
	}
	if listener != nil {
		listener(token)
	}
}

// decodeTokenExpiry parses the token's exp claim without verifying the
// signature (the provider signs it; we only schedule around it). Returns nil
// when the claim cannot be decoded.
func decodeTokenExpiry(token string) *TokenInfo {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	return &TokenInfo{JWT: token, ExpiresAt: exp.Time.UnixMilli()}
}

// IsValid reports whether the current token is trustworthy for at least
// bufferMs more milliseconds. The boundary is strictly exclusive: at exactly
// expiresAt-buffer the token is already considered invalid. An absent or
// undecodable tokenInfo always means invalid.
func (s *SessionManager) IsValid(bufferMs int64) bool {
	s.mu.Lock()
	info := s.tokenInfo
	nowMs := s.now().UnixMilli()
	s.mu.Unlock()

	if info == nil {
		return false
	}
	return nowMs < info.ExpiresAt-bufferMs
}

// CurrentToken returns the current bearer token ("" when absent).
func (s *SessionManager) CurrentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// DeviceID returns the stable device id for this session.
func (s *SessionManager) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Cookies returns a copy of the current cookie state.
func (s *SessionManager) Cookies() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookieSnapshotLocked()
}

func (s *SessionManager) cookieSnapshotLocked() map[string]string {
	out := make(map[string]string, len(s.cookies))
	for k, v := range s.cookies {
		out[k] = v
	}
	return out
}

// UpdateCookies merges response-derived cookies into session state; later
// values overwrite earlier ones for the same name.
func (s *SessionManager) UpdateCookies(cookies map[string]string) {
	s.applyCookies(cookies)
}

func (s *SessionManager) applyCookies(cookies map[string]string) {
	if len(cookies) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range cookies {
		s.cookies[name] = value
	}
}

// parseCookieString splits a Cookie header into a name->value map.
func parseCookieString(raw string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, found := strings.Cut(part, "=")
		if !found || name == "" {
			continue
		}
		out[name] = value
	}
	return out
}

// =============================================================================
// Session registry
// =============================================================================

// SessionRegistry tracks live sessions keyed by (credential, proxy) so
// concurrent callers reuse one session per identity instead of re-running
// bootstrap. Eviction is explicit; nothing relies on process lifetime.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*SessionManager
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*SessionManager)}
}

func registryKey(credential, proxy string) string {
	return credential + "|" + proxy
}

// GetOrCreate returns the session for the credential/proxy pair, creating it
// with factory on first use. Creation is cheap (bootstrap happens separately)
// so the factory runs under the registry lock.
func (r *SessionRegistry) GetOrCreate(credential, proxy string, factory func() *SessionManager) *SessionManager {
	key := registryKey(credential, proxy)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[key]; ok {
		return existing
	}
	created := factory()
	r.sessions[key] = created
	return created
}

// Evict drops one session from the registry.
func (r *SessionRegistry) Evict(credential, proxy string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, registryKey(credential, proxy))
}

// Clear drops every tracked session.
func (r *SessionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*SessionManager)
}

// Len reports the number of tracked sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
