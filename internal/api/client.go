// Package api builds the outbound HTTP clients shared by the Newznab
// aggregator, the NZB fetcher and the download client integrations.
package api

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"shelfseeker/internal/models"

	log "github.com/sirupsen/logrus"
)

const userAgent = "shelfseeker/1.0"

// userAgentTransport sets a User-Agent on requests that do not carry one.
// Some indexers refuse Go's default agent.
type userAgentTransport struct {
	next http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.next.RoundTrip(req)
}

// NewTransport returns the base transport, wrapped in a LoggingTransport
// writing to api.log (under SavePath when it exists) if LogApiRequests is
// set. A logging setup failure falls back to the plain transport.
func NewTransport(cfg models.Config) http.RoundTripper {
	var base http.RoundTripper = userAgentTransport{next: http.DefaultTransport}
	if !cfg.LogApiRequests {
		return base
	}

	logFilePath := "api.log"
	if cfg.SavePath != "" {
		if _, statErr := os.Stat(cfg.SavePath); statErr == nil {
			logFilePath = filepath.Join(cfg.SavePath, logFilePath)
		} else {
			log.Warnf("SavePath '%s' not found, saving api.log to current directory.", cfg.SavePath)
		}
	}
	lt, err := NewLoggingTransport(base, logFilePath)
	if err != nil {
		log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		return base
	}
	log.Infof("API logging to file: %s", logFilePath)
	return lt
}

// NewHTTPClient returns a client over transport with the given timeout.
func NewHTTPClient(transport http.RoundTripper, timeout time.Duration) *http.Client {
	if transport == nil {
		transport = userAgentTransport{next: http.DefaultTransport}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}
