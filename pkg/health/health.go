// Package health polls service health endpoints after a deployment.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrHealthCheckTimeout is wrapped by TimeoutError.
var ErrHealthCheckTimeout = errors.New("health check timed out")

// TimeoutError reports a service that never became healthy.
type TimeoutError struct {
	URL      string
	Attempts int
	Elapsed  time.Duration
	Last     Report
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%v: %s not healthy after %d attempt(s) in %s", ErrHealthCheckTimeout, e.URL, e.Attempts, e.Elapsed.Round(time.Millisecond))
	if e.Last.Err != nil {
		msg += ": " + e.Last.Err.Error()
	} else if e.Last.StatusCode != 0 {
		msg += fmt.Sprintf(": last status %d", e.Last.StatusCode)
	}
	return msg
}

func (e *TimeoutError) Unwrap() error {
	return ErrHealthCheckTimeout
}

// Report is the outcome of one probe.
type Report struct {
	URL        string        `json:"url"`
	Healthy    bool          `json:"healthy"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Attempts   int           `json:"attempts,omitempty"`
	Err        error         `json:"-"`
}

// Defaults used when an HTTPProber field is zero.
const (
	DefaultInterval   = 2 * time.Second
	DefaultTimeout    = 5 * time.Minute
	DefaultMaxRetries = 60

	maxBodyBytes = 64 << 10
)

// HTTPProber checks health endpoints over HTTP.
//
// An endpoint is healthy when it answers GET with a 2xx status and, if the
// body is a JSON object carrying a "healthy" or "status" field, that field
// says so ({"healthy": true}, {"status": "ok"}).
type HTTPProber struct {
	Client     *http.Client
	Interval   time.Duration
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

func (p *HTTPProber) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Check probes url once.
func (p *HTTPProber) Check(ctx context.Context, url string) Report {
	start := time.Now()
	report := Report{URL: url, Attempts: 1}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		report.Err = fmt.Errorf("building request: %w", err)
		return report
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client().Do(req)
	report.Latency = time.Since(start)
	if err != nil {
		report.Err = err
		return report
	}
	defer func() { _ = resp.Body.Close() }()

	report.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		report.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		return report
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		report.Err = fmt.Errorf("reading body: %w", err)
		return report
	}

	healthy, reason := parseBody(body)
	report.Healthy = healthy
	if !healthy {
		report.Err = errors.New(reason)
	}
	return report
}

// parseBody interprets an optional JSON health payload.
func parseBody(body []byte) (bool, string) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return true, ""
	}

	if v, ok := payload["healthy"]; ok {
		if b, ok := v.(bool); ok && b {
			return true, ""
		}
		return false, fmt.Sprintf("reported healthy=%v", v)
	}
	if v, ok := payload["status"]; ok {
		s, _ := v.(string)
		switch strings.ToLower(s) {
		case "ok", "healthy", "up", "pass":
			return true, ""
		}
		return false, fmt.Sprintf("reported status=%v", v)
	}
	return true, ""
}

// WaitHealthy polls url with exponential backoff until it is healthy, the
// retry budget or Timeout is spent, or ctx is done.
func (p *HTTPProber) WaitHealthy(ctx context.Context, url string) (Report, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries := p.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = interval
	exp.MaxInterval = 10 * interval
	exp.MaxElapsedTime = timeout

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	attempts := 0
	var last Report

	op := func() error {
		attempts++
		last = p.Check(ctx, url)
		if last.Healthy {
			return nil
		}
		return last.Err
	}
	notify := func(err error, next time.Duration) {
		if p.Logger != nil {
			p.Logger.DebugContext(ctx, "service not healthy yet", "url", url, "attempt", attempts, "retry_in", next, "error", err)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx), notify)
	last.Attempts = attempts
	if err == nil {
		return last, nil
	}
	return last, &TimeoutError{URL: url, Attempts: attempts, Elapsed: time.Since(start), Last: last}
}
