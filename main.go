package main

import (
	"context"
	"io"
	"log"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
)

var (
	targetSongs int
	workerCount int
	engineLog   *log.Logger
)

const workerStaggerDelay = 250 * time.Millisecond

type moduleLogger struct {
	logger *log.Logger
}

func (m *moduleLogger) Log(format string, args ...any) {
	m.logger.Printf("      "+format, args...)
}

func main() {
	parseArgs()

	engineLogFile, moduleLogFile, modLog := setupLogging()
	defer engineLogFile.Close()
	defer moduleLogFile.Close()

	_ = godotenv.Load()

	cfg := LoadConfig()
	proxyManager, credential := loadResources(cfg)

	scheduler := createScheduler(proxyManager, cfg, credential, modLog)

	exitCode := run(scheduler)
	os.Exit(exitCode)
}

func parseArgs() {
	if len(os.Args) < 3 {
		log.Fatal("Usage: sunokit <target-songs> <worker-count>\nExamples:\n  sunokit 50 5   (generate prompts)\n  sunokit 50 5   (use prompts.txt when present)")
	}

	var err error
	targetSongs, err = strconv.Atoi(os.Args[1])
	if err != nil || targetSongs <= 0 {
		log.Fatal("target-songs must be a positive integer")
	}
	workerCount, err = strconv.Atoi(os.Args[2])
	if err != nil || workerCount <= 0 {
		log.Fatal("worker-count must be a positive integer")
	}
}

func setupLogging() (engineLogFile, moduleLogFile *os.File, modLog *log.Logger) {
	var err error

	engineLogFile, err = os.OpenFile("engine.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("Failed to open engine log file: %v", err)
	}
	engineLog = log.New(io.MultiWriter(os.Stdout, engineLogFile), "", log.LstdFlags)

	moduleLogFile, err = os.OpenFile("sunokit.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		engineLog.Fatalf("Failed to open module log file: %v", err)
	}
	modLog = log.New(io.MultiWriter(os.Stdout, moduleLogFile), "", log.LstdFlags)

	return engineLogFile, moduleLogFile, modLog
}

func loadResources(cfg Config) (*ProxyManager, string) {
	var proxyManager *ProxyManager
	pm, err := NewProxyManager("proxies.txt")
	if err != nil {
		engineLog.Printf("No proxies loaded (%v), running direct", err)
	} else {
		proxyManager = pm
		engineLog.Printf("Loaded %d proxies", proxyManager.Count())
	}

	if cfg.CaptchaKey == "" {
		engineLog.Fatal("No captcha provider configured. Set 2CAP_KEY")
	}

	credential := os.Getenv("SUNO_COOKIE")
	if credential == "" {
		engineLog.Fatal("SUNO_COOKIE is required (account cookie string)")
	}

	return proxyManager, credential
}

func createScheduler(proxyManager *ProxyManager, cfg Config, credential string, modLog *log.Logger) *Scheduler {
	scheduler, err := NewScheduler(workerCount, proxyManager, cfg, credential, workerStaggerDelay, &moduleLogger{logger: modLog})
	if err != nil {
		engineLog.Fatalf("Failed to create scheduler: %v", err)
	}
	return scheduler
}

func run(scheduler *Scheduler) int {
	engineLog.Printf("Starting %d concurrent workers (target: %d songs, stagger: %v)...", workerCount, targetSongs, workerStaggerDelay)

	prompts := NewPromptSource()
	if prompts.Count() > 0 {
		engineLog.Printf("Using %d prompts from prompts.txt", prompts.Count())
	} else {
		engineLog.Printf("Generating prompts from built-in pools")
	}

	ctx := context.Background()
	scheduler.Start(ctx)

	// Submit prompts to workers
	go func() {
		for range targetSongs {
			scheduler.Submit(prompts.Next())
		}
	}()

	// Collect results
	var successCount int32
	var fatalErr error

	for result := range scheduler.Results() {
		if result.Fatal {
			fatalErr = result.Error
			engineLog.Printf("FATAL ERROR: %v", result.Error)
			break
		}

		if result.Success {
			count := atomic.AddInt32(&successCount, 1)
			engineLog.Printf("[%d/%d] SUCCESS: %s (%d clips)", count, targetSongs, result.Prompt, len(result.ClipIDs))
		}

		if int(atomic.LoadInt32(&successCount)) >= targetSongs {
			break
		}
	}

	scheduler.Close()

	if fatalErr != nil {
		engineLog.Printf("=== ABORTED: %d songs generated (fatal error: %v) ===", successCount, fatalErr)
		return 1
	}

	engineLog.Printf("=== Complete: %d songs generated ===", successCount)
	return 0
}
