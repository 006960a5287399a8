package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"time"
)

// =============================================================================
// Coordinate-captcha solving service (2Captcha task API)
// =============================================================================

const (
	solverCreateTaskURL = "https://api.2captcha.com/createTask"
	solverResultURL     = "https://api.2captcha.com/getTaskResult"
	solverReportBadURL  = "https://api.2captcha.com/reportIncorrect"

	// maxSolverAttempts bounds solving-service calls per challenge instance.
	maxSolverAttempts = 3
)

// Coordinate is one solver-returned point, in challenge-image pixels.
type Coordinate struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// CaptchaSolution is the solver's answer for one captured challenge: an
// ordered list of points (drag solutions use consecutive even/odd pairs) and
// an id usable to report a bad solution back to the service.
type CaptchaSolution struct {
	ID          int64
	Coordinates []Coordinate
}

type solverResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           int64  `json:"taskId"`
	Status           string `json:"status"`
	Solution         struct {
		Coordinates []Coordinate `json:"coordinates"`
	} `json:"solution"`
}

// CaptchaSolver is the challenge-solving-service client.
type CaptchaSolver interface {
	// SolveCoordinates submits the captured challenge image (plus optional
	// instruction text/image) and returns the coordinate solution.
	SolveCoordinates(ctx context.Context, req CoordinateRequest) (*CaptchaSolution, error)
	// ReportBad flags a previously returned solution as wrong.
	ReportBad(ctx context.Context, solutionID int64) error
}

// CoordinateRequest carries one challenge capture to the solving service.
type CoordinateRequest struct {
	ImageBase64       string
	Locale            string
	InstructionText   string
	InstructionBase64 string // static instructional imagery for drag challenges
}

// TwoCaptchaSolver implements CaptchaSolver against the 2Captcha task API.
type TwoCaptchaSolver struct {
	apiKey  string
	limiter *SolverRateLimiter
}

func NewTwoCaptchaSolver(apiKey string, limiter *SolverRateLimiter) *TwoCaptchaSolver {
	return &TwoCaptchaSolver{apiKey: apiKey, limiter: limiter}
}

func (s *TwoCaptchaSolver) SolveCoordinates(ctx context.Context, req CoordinateRequest) (*CaptchaSolution, error) {
	if s.limiter != nil {
		s.limiter.Acquire()
		defer s.limiter.Release()
	}

	task := map[string]any{
		"type": "CoordinatesTask",
		"body": req.ImageBase64,
	}
	if req.InstructionText != "" {
		task["comment"] = req.InstructionText
	}
	if req.InstructionBase64 != "" {
		task["imgInstructions"] = req.InstructionBase64
	}
	if req.Locale != "" {
		task["languagePool"] = req.Locale
	}

	created, err := doSolverRequest(ctx, solverCreateTaskURL, map[string]any{
		"clientKey": s.apiKey,
		"task":      task,
	})
	if err != nil {
		return nil, err
	}
	if created.ErrorID != 0 {
		return nil, handleSolverError(created.ErrorCode, created.ErrorDescription)
	}

	return s.pollResult(ctx, created.TaskID)
}

func (s *TwoCaptchaSolver) pollResult(ctx context.Context, taskID int64) (*CaptchaSolution, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, errors.New("solve timeout")
		case <-time.After(5 * time.Second): // recommended polling interval
		}

		res, err := doSolverRequest(ctx, solverResultURL, map[string]any{
			"clientKey": s.apiKey,
			"taskId":    taskID,
		})
		if err != nil {
			return nil, err
		}
		if res.ErrorID != 0 {
			return nil, handleSolverError(res.ErrorCode, res.ErrorDescription)
		}
		if res.Status == "ready" {
			return &CaptchaSolution{ID: taskID, Coordinates: res.Solution.Coordinates}, nil
		}
	}
}

func (s *TwoCaptchaSolver) ReportBad(ctx context.Context, solutionID int64) error {
	res, err := doSolverRequest(ctx, solverReportBadURL, map[string]any{
		"clientKey": s.apiKey,
		"taskId":    solutionID,
	})
	if err != nil {
		return err
	}
	if res.ErrorID != 0 {
		return handleSolverError(res.ErrorCode, res.ErrorDescription)
	}
	return nil
}

var fatalSolverCodes = []string{
	"ERROR_ZERO_BALANCE",
	"ERROR_KEY_DOES_NOT_EXIST",
	"ERROR_WRONG_USER_KEY",
	"ERROR_IP_NOT_ALLOWED",
	"ERROR_IP_BANNED",
}

func isFatalSolverCode(errorCode string) bool {
	return slices.Contains(fatalSolverCodes, errorCode)
}

func handleSolverError(code, description string) error {
	err := fmt.Errorf("solver error: %s - %s", code, description)
	if isFatalSolverCode(code) {
		return NewFatalError(err)
	}
	return err
}

// doSolverRequest posts JSON to the solving service with bounded retry on
// network errors. The solving-service API is not behind the anti-bot wall, so
// a plain net/http client is used here.
func doSolverRequest(ctx context.Context, uri string, payload any) (*solverResponse, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	var lastErr error

	for attempt := range maxSolverAttempts {
		if attempt > 0 {
			backoff := time.Duration(1<<attempt) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", uri, bytes.NewReader(payloadBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		responseData, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		result := new(solverResponse)
		if err := json.Unmarshal(responseData, result); err != nil {
			return nil, err
		}
		return result, nil
	}

	return nil, fmt.Errorf("solver API request failed after %d retries: %w", maxSolverAttempts, lastErr)
}

// =============================================================================
// Solver concurrency limiter
// =============================================================================

// SolverRateLimiter limits concurrent solving-service calls to avoid
// provider-side throttling.
type SolverRateLimiter struct {
	sem chan struct{}
}

var (
	solverLimiter     *SolverRateLimiter
	solverLimiterOnce sync.Once
)

// GetSolverLimiter returns the process-wide limiter, created on first use.
func GetSolverLimiter(maxConcurrent int) *SolverRateLimiter {
	solverLimiterOnce.Do(func() {
		solverLimiter = &SolverRateLimiter{
			sem: make(chan struct{}, maxConcurrent),
		}
	})
	return solverLimiter
}

func (l *SolverRateLimiter) Acquire() {
	l.sem <- struct{}{}
}

func (l *SolverRateLimiter) Release() {
	<-l.sem
}
