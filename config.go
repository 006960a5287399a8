package main

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Build-time variables - inject via ldflags
// Example: go build -ldflags "-X main.captchaAPIKey=YOUR_KEY"
var (
	captchaAPIKey string // -X main.captchaAPIKey=...
)

// GetCaptchaAPIKey returns the 2Captcha API key (build-time or env fallback)
func GetCaptchaAPIKey() string {
	if captchaAPIKey != "" {
		return captchaAPIKey
	}
	return os.Getenv("2CAP_KEY")
}

// Config is the runtime configuration surface for the core.
type Config struct {
	// Transport
	ProxyURL         string
	ProxyUsername    string
	ProxyPassword    string
	RotationStrategy RotationStrategy
	RotateOnRequest  bool
	PreferredOS      Platform // PlatformAndroid, PlatformIOS, or "" for no preference
	TimeoutSeconds   int
	MaxRetries       int

	// Browser
	BrowserEngine string // "rod" or "chromedp"
	Headless      bool
	DisableGPU    bool
	Locale        string

	// Solving service
	CaptchaKey string
	// Optional instructional image shown to the solver for drag challenges.
	DragInstructionPath string
}

// LoadConfig reads configuration from the environment. godotenv is expected
// to have been loaded by the caller already.
func LoadConfig() Config {
	cfg := Config{
		ProxyURL:            os.Getenv("PROXY_URL"),
		ProxyUsername:       os.Getenv("PROXY_USERNAME"),
		ProxyPassword:       os.Getenv("PROXY_PASSWORD"),
		RotationStrategy:    parseStrategy(os.Getenv("ROTATION_STRATEGY")),
		RotateOnRequest:     envBool("ROTATE_ON_REQUEST", false),
		PreferredOS:         parsePlatform(os.Getenv("PREFERRED_PLATFORM")),
		TimeoutSeconds:      envInt("REQUEST_TIMEOUT_SECONDS", 30),
		MaxRetries:          envInt("MAX_RETRIES", 3),
		BrowserEngine:       envDefault("BROWSER_ENGINE", "rod"),
		Headless:            envBool("BROWSER_HEADLESS", true),
		DisableGPU:          envBool("BROWSER_DISABLE_GPU", true),
		Locale:              envDefault("BROWSER_LOCALE", "en-US"),
		CaptchaKey:          GetCaptchaAPIKey(),
		DragInstructionPath: os.Getenv("DRAG_INSTRUCTION_IMAGE"),
	}
	return cfg
}

// Timeout returns the default request timeout as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func parseStrategy(s string) RotationStrategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "random":
		return StrategyRandom
	case "least-used", "least_used":
		return StrategyLeastUsed
	case "platform-sticky", "platform_sticky":
		return StrategyPlatformSticky
	default:
		return StrategyRoundRobin
	}
}

func parsePlatform(s string) Platform {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "android":
		return PlatformAndroid
	case "ios":
		return PlatformIOS
	case "desktop":
		return PlatformDesktop
	default:
		return ""
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
