package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"
)

// makeUnsignedJWT builds a structurally valid token with the given exp claim
// (epoch seconds). The signature segment is empty; only the claims matter.
func makeUnsignedJWT(exp int64) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d,"sid":"sess_1"}`, exp)))
	return header + "." + payload + "."
}

func TestDecodeTokenExpiry(t *testing.T) {
	exp := int64(1_999_999_999)
	info := decodeTokenExpiry(makeUnsignedJWT(exp))
	if info == nil {
		t.Fatal("expected decoded token info")
	}
	if info.ExpiresAt != exp*1000 {
		t.Errorf("ExpiresAt = %d, want %d", info.ExpiresAt, exp*1000)
	}
}

func TestDecodeTokenExpiryToleratesGarbage(t *testing.T) {
	for _, token := range []string{"", "not-a-jwt", "a.b", "a.b.c"} {
		if info := decodeTokenExpiry(token); info != nil {
			t.Errorf("token %q decoded to %+v, want nil", token, info)
		}
	}
}

func TestDecodeTokenExpiryRequiresExpClaim(t *testing.T) {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"sid":"sess_1"}`))
	if info := decodeTokenExpiry(header + "." + payload + "."); info != nil {
		t.Errorf("token without exp decoded to %+v, want nil", info)
	}
}

func TestIsValidBoundaryIsExclusive(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := base.Add(100 * time.Second).UnixMilli()
	const bufferMs = 60_000

	s := NewSessionManager(nil, nil)
	s.tokenInfo = &TokenInfo{JWT: "t", ExpiresAt: expiresAt}

	// One millisecond inside the window: still valid.
	s.now = func() time.Time { return base.Add(40*time.Second - time.Millisecond) }
	if !s.IsValid(bufferMs) {
		t.Error("token invalid 1ms before the boundary")
	}

	// Exactly at expiresAt-buffer: already invalid.
	s.now = func() time.Time { return base.Add(40 * time.Second) }
	if s.IsValid(bufferMs) {
		t.Error("token still valid exactly at the boundary")
	}

	s.now = func() time.Time { return base.Add(41 * time.Second) }
	if s.IsValid(bufferMs) {
		t.Error("token still valid past the boundary")
	}
}

func TestIsValidWithoutTokenInfo(t *testing.T) {
	s := NewSessionManager(nil, nil)
	if s.IsValid(0) {
		t.Error("session with no token reported valid")
	}
	s.token = "opaque-but-undecodable"
	if s.IsValid(0) {
		t.Error("undecodable token reported valid")
	}
}

func TestParseCookieString(t *testing.T) {
	got := parseCookieString(`__client=abc; ajs_anonymous_id="dev-1";; broken ; a=1; a=2`)

	if got["__client"] != "abc" {
		t.Errorf("__client = %q", got["__client"])
	}
	if got["ajs_anonymous_id"] != `"dev-1"` {
		t.Errorf("ajs_anonymous_id = %q", got["ajs_anonymous_id"])
	}
	if _, ok := got["broken"]; ok {
		t.Error("pair without '=' was kept")
	}
	// Later occurrence wins.
	if got["a"] != "2" {
		t.Errorf("a = %q, want 2", got["a"])
	}
}

func TestUpdateCookiesLaterWins(t *testing.T) {
	s := NewSessionManager(nil, nil)
	s.UpdateCookies(map[string]string{"sid": "old", "keep": "1"})
	s.UpdateCookies(map[string]string{"sid": "new"})

	cookies := s.Cookies()
	if cookies["sid"] != "new" {
		t.Errorf("sid = %q, want new", cookies["sid"])
	}
	if cookies["keep"] != "1" {
		t.Error("unrelated cookie dropped during merge")
	}

	// The snapshot must not alias internal state.
	cookies["sid"] = "mutated"
	if s.Cookies()["sid"] != "new" {
		t.Error("Cookies leaked internal map")
	}
}

func TestBootstrapDerivesDeviceIDAndSessionID(t *testing.T) {
	doer := &scriptedDoer{steps: []scriptedStep{
		{status: 200, body: `{"response":{"last_active_session_id":"sess_abc"}}`},
	}}
	transport, _ := newTestTransport(t, doer)
	s := NewSessionManager(transport, nil)

	err := s.Bootstrap(context.Background(), `__client=tok; ajs_anonymous_id="dev-7"`)
	if err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if s.sessionID != "sess_abc" {
		t.Errorf("sessionID = %q, want sess_abc", s.sessionID)
	}
	if got := s.DeviceID(); got != "dev-7" {
		t.Errorf("DeviceID = %q, want dev-7 (from analytics cookie)", got)
	}
}

func TestBootstrapGeneratesDeviceIDWithoutAnalyticsCookie(t *testing.T) {
	doer := &scriptedDoer{steps: []scriptedStep{
		{status: 200, body: `{"response":{"last_active_session_id":"sess_abc"}}`},
	}}
	transport, _ := newTestTransport(t, doer)
	s := NewSessionManager(transport, nil)

	if err := s.Bootstrap(context.Background(), "__client=tok"); err != nil {
		t.Fatal(err)
	}
	if s.DeviceID() == "" {
		t.Error("no device id generated")
	}
}

func TestBootstrapRejectsEmptyCredential(t *testing.T) {
	s := NewSessionManager(nil, nil)
	err := s.Bootstrap(context.Background(), "  ;; ")
	var bootErr *AuthBootstrapError
	if !errors.As(err, &bootErr) {
		t.Fatalf("err = %v, want AuthBootstrapError", err)
	}
}

func TestBootstrapFailsWithoutSessionID(t *testing.T) {
	doer := &scriptedDoer{steps: []scriptedStep{
		{status: 200, body: `{"response":{}}`},
	}}
	transport, _ := newTestTransport(t, doer)
	s := NewSessionManager(transport, nil)

	err := s.Bootstrap(context.Background(), "__client=expired")
	var bootErr *AuthBootstrapError
	if !errors.As(err, &bootErr) {
		t.Fatalf("err = %v, want AuthBootstrapError", err)
	}
}

func TestRefreshInstallsTokenAndSkipsWhileValid(t *testing.T) {
	freshToken := makeUnsignedJWT(time.Now().Add(time.Hour).Unix())
	doer := &scriptedDoer{steps: []scriptedStep{
		{status: 200, body: `{"response":{"last_active_session_id":"sess_abc"}}`},
		{status: 200, body: fmt.Sprintf(`{"jwt":%q}`, freshToken)},
	}}
	transport, _ := newTestTransport(t, doer)
	s := NewSessionManager(transport, nil)

	if err := s.Bootstrap(context.Background(), "__client=tok"); err != nil {
		t.Fatal(err)
	}

	token, err := s.Refresh(context.Background(), false)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if token != freshToken {
		t.Errorf("Refresh returned %q, want the issued token", token)
	}
	if s.CurrentToken() != freshToken {
		t.Error("token not installed")
	}

	// A second non-forced refresh must not hit the provider again.
	calls := doer.callCount()
	if _, err := s.Refresh(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if doer.callCount() != calls {
		t.Error("refresh hit the provider while the token was still valid")
	}
}

func TestRefreshRequiresBootstrap(t *testing.T) {
	s := NewSessionManager(nil, nil)
	_, err := s.Refresh(context.Background(), false)
	var refreshErr *TokenRefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("err = %v, want TokenRefreshError", err)
	}
}

func TestRefreshFailsWhenProviderIssuesNoToken(t *testing.T) {
	doer := &scriptedDoer{steps: []scriptedStep{
		{status: 200, body: `{"response":{"last_active_session_id":"sess_abc"}}`},
		{status: 200, body: `{}`},
	}}
	transport, _ := newTestTransport(t, doer)
	s := NewSessionManager(transport, nil)

	if err := s.Bootstrap(context.Background(), "__client=tok"); err != nil {
		t.Fatal(err)
	}
	_, err := s.Refresh(context.Background(), true)
	var refreshErr *TokenRefreshError
	if !errors.As(err, &refreshErr) {
		t.Fatalf("err = %v, want TokenRefreshError", err)
	}
}

func TestSetTokenNotifiesListener(t *testing.T) {
	s := NewSessionManager(nil, nil)

	var notified string
	s.OnToken(func(token string) { notified = token })

	token := makeUnsignedJWT(time.Now().Add(time.Hour).Unix())
	s.SetToken(token)

	if notified != token {
		t.Error("listener not invoked with installed token")
	}
	if !s.IsValid(0) {
		t.Error("freshly installed one-hour token reported invalid")
	}

	// Empty tokens are ignored, not installed.
	s.SetToken("")
	if s.CurrentToken() != token {
		t.Error("empty SetToken overwrote the current token")
	}
}

func TestSessionRegistryKeyedByCredentialAndProxy(t *testing.T) {
	reg := NewSessionRegistry()
	factoryCalls := 0
	factory := func() *SessionManager {
		factoryCalls++
		return NewSessionManager(nil, nil)
	}

	a := reg.GetOrCreate("cred1", "proxy1", factory)
	b := reg.GetOrCreate("cred1", "proxy1", factory)
	if a != b {
		t.Error("same credential/proxy pair produced different sessions")
	}
	if factoryCalls != 1 {
		t.Errorf("factory ran %d times for one pair, want 1", factoryCalls)
	}

	c := reg.GetOrCreate("cred1", "proxy2", factory)
	if c == a {
		t.Error("different proxy reused the same session")
	}
	d := reg.GetOrCreate("cred2", "proxy1", factory)
	if d == a {
		t.Error("different credential reused the same session")
	}
	if reg.Len() != 3 {
		t.Errorf("Len = %d, want 3", reg.Len())
	}

	reg.Evict("cred1", "proxy1")
	if reg.Len() != 2 {
		t.Errorf("Len after Evict = %d, want 2", reg.Len())
	}
	if reg.GetOrCreate("cred1", "proxy1", factory) == a {
		t.Error("evicted session returned again")
	}

	reg.Clear()
	if reg.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", reg.Len())
	}
}
