package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrChallengeEscalation indicates the anti-bot block persisted through every
// retry with identity rotation. The caller should fall back to the
// browser-driven challenge resolver instead of retrying at the HTTP layer.
var ErrChallengeEscalation = errors.New("challenge escalation required: exhausted identity rotation")

// ErrSurfaceClosed is returned by browser page operations after the automation
// surface has been torn down. When it coincides with a captured token it is an
// expected termination, not a failure.
var ErrSurfaceClosed = errors.New("automation surface closed")

// =============================================================================
// Fatal Errors
// =============================================================================

// FatalError represents an error that should stop the task immediately.
// These are typically billing/authentication issues where retrying won't help.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsFatalError checks if the error is a fatal error that should stop the task.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}

// fatalErrorStrings contains substrings that indicate a fatal error.
var fatalErrorStrings = []string{
	"ERROR_ZERO_BALANCE",
	"ERROR_KEY_DOES_NOT_EXIST",
	"ERROR_WRONG_USER_KEY",
	"ERROR_IP_BANNED",
	"access denied",
}

// ContainsFatalErrorString checks if an error message contains a fatal error indicator.
func ContainsFatalErrorString(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range fatalErrorStrings {
		if strings.Contains(errStr, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// =============================================================================
// Challenge detection
// =============================================================================

// ChallengeDetectedError is returned when a response matched the anti-bot
// block signature. It carries enough detail for the caller to decide whether
// to wait, re-credential, or escalate to the browser fallback.
type ChallengeDetectedError struct {
	StatusCode int
	Marker     string // header name or body substring that matched
	Attempts   int    // attempts consumed when the error surfaced
}

func (e *ChallengeDetectedError) Error() string {
	return fmt.Sprintf("anti-bot challenge detected (status %d, marker %q, attempt %d)",
		e.StatusCode, e.Marker, e.Attempts)
}

func (e *ChallengeDetectedError) Unwrap() error {
	return ErrChallengeEscalation
}

// IsChallengeDetected reports whether err is a challenge block signature match.
func IsChallengeDetected(err error) bool {
	var cd *ChallengeDetectedError
	return errors.As(err, &cd)
}

// =============================================================================
// Auth / token errors
// =============================================================================

// AuthBootstrapError indicates the identity provider rejected the cookie
// credential during session bootstrap. Not retriable: the caller must supply
// a fresh credential.
type AuthBootstrapError struct {
	Reason string
}

func (e *AuthBootstrapError) Error() string {
	return fmt.Sprintf("session bootstrap failed: %s (credential invalid or expired)", e.Reason)
}

// TokenRefreshError indicates the token-issuance endpoint returned no usable
// token. Fatal for the refresh call; the caller may retry the whole operation
// later.
type TokenRefreshError struct {
	SessionID string
	Reason    string
}

func (e *TokenRefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for session %s: %s", e.SessionID, e.Reason)
}

// SolverError indicates the solving service failed repeatedly on a single
// challenge instance. Fatal for that solve invocation.
type SolverError struct {
	Attempts int
	Err      error
}

func (e *SolverError) Error() string {
	return fmt.Sprintf("solver failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SolverError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Retryable Errors
// =============================================================================

// retryableErrorPatterns contains error message substrings that indicate retryable errors.
var retryableErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"TLS handshake timeout",
	"EOF",
	"malformed HTTP response",
	"transport connection broken",
	"use of closed network connection",
}

// IsRetryableError checks if the error is temporary and worth retrying with a
// rotated identity.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if IsFatalError(err) || ContainsFatalErrorString(err) {
		return false
	}

	if isNetworkTimeout(err) {
		return true
	}

	return containsRetryablePattern(err.Error())
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || netErr.Temporary()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// surfaceClosedPatterns matches the page/context teardown errors the two
// browser backends produce once the challenge context has been closed.
var surfaceClosedPatterns = []string{
	"target closed",
	"session closed",
	"context canceled",
	"page has been closed",
	"websocket: close",
	"browser has been closed",
}

// isSurfaceClosed reports whether err means the automation surface went away
// underneath us. Expected once the intercepted token request has fired.
func isSurfaceClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSurfaceClosed) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range surfaceClosedPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
