package main

import (
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

// Logger is the minimal logging surface threaded through the core.
type Logger interface {
	Log(format string, args ...any)
}

// noopLogger discards everything; used when callers pass nil.
type noopLogger struct{}

func (noopLogger) Log(string, ...any) {}

// NewFingerprintedClient builds a tls-client HTTP client carrying the given
// identity's TLS/HTTP2 signature. proxyURL may be empty for a direct
// connection.
func NewFingerprintedClient(logger tls_client.Logger, proxyURL string, profile profiles.ClientProfile, timeoutSeconds int) (tls_client.HttpClient, error) {
	if logger == nil {
		logger = tls_client.NewNoopLogger()
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 30
	}

	jar := tls_client.NewCookieJar()
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(timeoutSeconds),
		tls_client.WithClientProfile(profile),
		tls_client.WithRandomTLSExtensionOrder(),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(jar),
	}

	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	return tls_client.NewHttpClient(logger, options...)
}
