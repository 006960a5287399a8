package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// JobResult is the outcome of one generation job.
type JobResult struct {
	Prompt  string
	ClipIDs []string
	Success bool
	Error   error
	Fatal   bool
}

// Worker owns one authenticated client bound to one proxy.
type Worker struct {
	id     string
	client *SunoClient
	logger Logger
}

// Scheduler fans generation jobs out across workers, each with its own
// session and proxy, stopping everything on the first fatal error.
type Scheduler struct {
	workers      []*Worker
	workChan     chan string
	resultsChan  chan JobResult
	wg           sync.WaitGroup
	proxyManager *ProxyManager
	registry     *SessionRegistry
	cfg          Config
	credential   string
	logger       Logger
	staggerDelay time.Duration
	cancel       context.CancelFunc
	fatalOnce    sync.Once
	stopped      atomic.Bool
}

// NewScheduler builds workerCount workers over the shared session registry.
// credential is the cookie string used to bootstrap each worker's session.
func NewScheduler(workerCount int, proxyManager *ProxyManager, cfg Config, credential string, staggerDelay time.Duration, logger Logger) (*Scheduler, error) {
	s := &Scheduler{
		workers:      make([]*Worker, workerCount),
		workChan:     make(chan string, workerCount*2),
		resultsChan:  make(chan JobResult, workerCount*2),
		proxyManager: proxyManager,
		registry:     NewSessionRegistry(),
		cfg:          cfg,
		credential:   credential,
		logger:       logger,
		staggerDelay: staggerDelay,
	}

	for i := 0; i < workerCount; i++ {
		worker, err := s.createWorker()
		if err != nil {
			return nil, err
		}
		s.workers[i] = worker
	}
	return s, nil
}

func generateWorkerID() string {
	return uuid.New().String()[:8]
}

// workerLogger wraps a logger with a worker ID prefix.
type workerLogger struct {
	id   string
	base Logger
}

func (w *workerLogger) Log(format string, args ...any) {
	w.base.Log("[%s] "+format, append([]any{w.id}, args...)...)
}

func (s *Scheduler) createWorker() (*Worker, error) {
	id := generateWorkerID()
	logger := &workerLogger{id: id, base: s.logger}

	proxyURL := ""
	if s.proxyManager != nil {
		var idx int
		proxyURL, idx = s.proxyManager.Random()
		logger.Log("Using proxy: %s", s.proxyManager.DisplayAt(idx))
	}

	pool, err := NewIdentityPool(defaultCatalog(), s.cfg.PreferredOS)
	if err != nil {
		return nil, err
	}

	transport := NewTransport(pool, s.cfg, logger)
	if proxyURL != "" {
		transport.SetProxy(proxyURL)
	}

	session := s.registry.GetOrCreate(s.credential, proxyURL, func() *SessionManager {
		return NewSessionManager(transport, logger)
	})

	solver := NewTwoCaptchaSolver(s.cfg.CaptchaKey, GetSolverLimiter(3))
	resolver, err := NewChallengeResolver(transport, session, solver, s.cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Worker{
		id:     id,
		client: NewSunoClient(transport, session, resolver, logger),
		logger: logger,
	}, nil
}

// Start launches all workers, staggered so session bootstraps don't land at
// once.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for i, worker := range s.workers {
		s.wg.Add(1)
		go s.runWorker(ctx, worker)

		if s.staggerDelay > 0 && i < len(s.workers)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.staggerDelay):
			}
		}
	}
}

func (s *Scheduler) handleFatalError(err error) {
	s.fatalOnce.Do(func() {
		s.stopped.Store(true)
		s.logger.Log("FATAL ERROR: %v - stopping all workers", err)

		if s.cancel != nil {
			s.cancel()
		}

		select {
		case s.resultsChan <- JobResult{Fatal: true, Error: err}:
		default:
		}
	})
}

func (s *Scheduler) isFatal(err error) bool {
	return IsFatalError(err) || ContainsFatalErrorString(err)
}

func (s *Scheduler) runWorker(ctx context.Context, worker *Worker) {
	defer s.wg.Done()

	if err := worker.client.session.Bootstrap(ctx, s.credential); err != nil {
		worker.logger.Log("Bootstrap failed: %v", err)
		s.handleFatalError(err) // credential problems stop everyone
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case prompt, ok := <-s.workChan:
			if !ok {
				return
			}
			if s.stopped.Load() {
				return
			}

			worker.logger.Log("Generating: %s", prompt)
			gen, err := worker.client.GenerateSong(ctx, GenerationRequest{Prompt: prompt})

			if err != nil {
				if s.isFatal(err) {
					s.handleFatalError(err)
					return
				}
				worker.logger.Log("Generation failed: %v", err)
				select {
				case s.resultsChan <- JobResult{Prompt: prompt, Error: err}:
				case <-ctx.Done():
					return
				}
				continue
			}

			ids := make([]string, 0, len(gen.Clips))
			for _, clip := range gen.Clips {
				ids = append(ids, clip.ID)
			}
			select {
			case s.resultsChan <- JobResult{Prompt: prompt, ClipIDs: ids, Success: true}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Submit adds a prompt to the work queue.
func (s *Scheduler) Submit(prompt string) {
	s.workChan <- prompt
}

// Results returns the results channel for reading job outcomes.
func (s *Scheduler) Results() <-chan JobResult {
	return s.resultsChan
}

// Close shuts down the scheduler and waits for workers to finish.
func (s *Scheduler) Close() {
	close(s.workChan)
	s.wg.Wait()
	close(s.resultsChan)
}

// WorkerCount returns the number of workers.
func (s *Scheduler) WorkerCount() int {
	return len(s.workers)
}
