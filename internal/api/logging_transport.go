package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxLoggedBody caps how much of a response body is written to the log.
const maxLoggedBody = 64 * 1024

// secretParam matches credentials carried in query strings.
var secretParam = regexp.MustCompile(`(?i)((?:apikey|api_key|password)=)[^&\s]+`)

// LoggingTransport wraps an http.RoundTripper to log request and response details.
// Newznab keys travel in the query string, so they are masked before writing.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport creates a new LoggingTransport.
// It opens the specified log file for appending.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}

	if transport == nil {
		transport = http.DefaultTransport
	}

	t := &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}
	register(t)
	return t, nil
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	startTime := time.Now()

	// Request bodies here are NZB uploads; headers are enough.
	reqDump, err := httputil.DumpRequestOut(req, false)
	if err != nil {
		log.WithError(err).Error("Failed to dump API request for logging")
	} else {
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s", startTime.Format(time.RFC3339), redact(string(reqDump))))
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(startTime)

	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response Error (%s, Duration: %v) ---\n%s", time.Now().Format(time.RFC3339), duration, redact(err.Error())))
		return resp, err
	}

	contentType := resp.Header.Get("Content-Type")
	respDump, dumpErr := httputil.DumpResponse(resp, false)
	if dumpErr != nil {
		log.WithError(dumpErr).Error("Failed to dump response headers for logging")
		respDump = []byte("Status: " + resp.Status + "\n")
	}

	if !loggableBody(contentType) {
		t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v, Type: %s) ---\n%s\n(Body not logged)", time.Now().Format(time.RFC3339), duration, contentType, string(respDump)))
		return resp, nil
	}

	bodyBytes, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	// Restore the body so the caller can read it.
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if readErr != nil {
		log.WithError(readErr).Error("Failed to read response body for logging")
		t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s\n(Body read failed)", time.Now().Format(time.RFC3339), duration, string(respDump)))
		return resp, readErr
	}

	logged := bodyBytes
	suffix := ""
	if len(logged) > maxLoggedBody {
		logged = logged[:maxLoggedBody]
		suffix = fmt.Sprintf("\n(truncated, %d bytes total)", len(bodyBytes))
	}
	t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s\n--- Response Body (%s) ---\n%s%s",
		time.Now().Format(time.RFC3339), duration, string(respDump), contentType, string(logged), suffix))
	return resp, nil
}

// loggableBody reports whether a content type is text worth logging:
// Newznab RSS/XML, NZB documents and JSON-RPC answers.
func loggableBody(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, kind := range []string{"json", "xml", "rss", "x-nzb", "text/plain"} {
		if strings.Contains(ct, kind) {
			return true
		}
	}
	return false
}

func redact(s string) string {
	s = secretParam.ReplaceAllString(s, "${1}REDACTED")
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.ToLower(line), "authorization:") {
			line = "Authorization: REDACTED\r"
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// writeLog writes a string to the buffered writer and flushes it.
func (t *LoggingTransport) writeLog(logString string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.writer.WriteString(logString + "\n\n")
	if err == nil {
		err = t.writer.Flush()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
	}
}

// Close closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}

var (
	openTransportsMu sync.Mutex
	openTransports   []*LoggingTransport
)

func register(t *LoggingTransport) {
	openTransportsMu.Lock()
	openTransports = append(openTransports, t)
	openTransportsMu.Unlock()
}

// CloseAllLoggingTransports flushes and closes every transport opened by
// this process. Called once on exit.
func CloseAllLoggingTransports() {
	openTransportsMu.Lock()
	defer openTransportsMu.Unlock()
	for _, t := range openTransports {
		if err := t.Close(); err != nil {
			log.WithError(err).Debug("Error closing API log file")
		}
	}
	openTransports = nil
}
