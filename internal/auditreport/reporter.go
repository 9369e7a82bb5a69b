// Package auditreport delivers application logs to the server's audit REST
// surface. The primary endpoint is tried first and the legacy endpoint on
// any non-2xx answer.
package auditreport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/httputil"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

var log = logging.L("auditreport")

// Endpoint paths, relative to the server base URL.
const (
	PrimaryPath  = "/api/audit/log"
	FallbackPath = "/api/auditlogs"
)

// Headers sent with every report.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderMachineToken  = "X-Machine-Token"
)

// Failure reasons recorded on an Outcome.
const (
	ReasonAuthFailure     = "auth_failure"
	ReasonEndpointMissing = "endpoint_missing"
	ReasonHTTPError       = "http_error"
	ReasonTransportError  = "transport_error"
)

const defaultRequestTimeout = 30 * time.Second

// Outcome describes how a report ended. Path is the endpoint that accepted
// the log; Reason and Message describe the last failure otherwise.
type Outcome struct {
	Delivered bool
	Path      string
	Reason    string
	Message   string
}

// FailureSink receives reports that reached neither endpoint. The local
// journal implements it.
type FailureSink interface {
	RecordReportFailure(l tweak.ApplicationLog, reason, message string)
}

// Reporter posts application logs to the server.
type Reporter struct {
	baseURL      string
	machineToken string
	client       *http.Client
	primaryRetry httputil.RetryConfig
	retry        httputil.RetryConfig
	sink         FailureSink
}

type Option func(*Reporter)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) { r.client = c }
}

// WithRetry sets the retry policy for transient failures on the fallback
// endpoint, the last chance to deliver.
func WithRetry(cfg httputil.RetryConfig) Option {
	return func(r *Reporter) { r.retry = cfg }
}

// WithPrimaryRetry sets the retry policy for the primary endpoint. The
// default is a single attempt so a failing primary hands over to the
// fallback at once.
func WithPrimaryRetry(cfg httputil.RetryConfig) Option {
	return func(r *Reporter) { r.primaryRetry = cfg }
}

// WithFailureSink records undeliverable reports.
func WithFailureSink(s FailureSink) Option {
	return func(r *Reporter) { r.sink = s }
}

// New creates a Reporter for baseURL. machineToken may be empty, in which
// case the X-Machine-Token header is not sent.
func New(baseURL, machineToken string, opts ...Option) *Reporter {
	r := &Reporter{
		baseURL:      strings.TrimRight(baseURL, "/"),
		machineToken: machineToken,
		client:       &http.Client{Timeout: defaultRequestTimeout},
		primaryRetry: httputil.NoRetry(),
		retry:        httputil.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report sends l with the given correlation id. It never panics and never
// returns an error; every failure is described by the Outcome.
func (r *Reporter) Report(ctx context.Context, l tweak.ApplicationLog, correlationID string) (out Outcome) {
	logger := logging.WithTweak(log, l.TweakID, correlationID)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("audit report panicked", "panic", p)
			out = Outcome{Reason: ReasonTransportError, Message: fmt.Sprintf("panic: %v", p)}
			r.recordFailure(l, out)
		}
	}()

	body, err := json.Marshal(l)
	if err != nil {
		out = Outcome{Reason: ReasonTransportError, Message: tweak.NewSerializationError(l.TweakID, err).Error()}
		r.recordFailure(l, out)
		return out
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	if correlationID != "" {
		headers.Set(HeaderCorrelationID, correlationID)
	}
	if r.machineToken != "" {
		headers.Set(HeaderMachineToken, r.machineToken)
	}

	attempts := []struct {
		path  string
		retry httputil.RetryConfig
	}{
		{PrimaryPath, r.primaryRetry},
		{FallbackPath, r.retry},
	}
	for _, a := range attempts {
		path := a.path
		out = r.post(ctx, path, body, headers, a.retry)
		if out.Delivered {
			logger.Info("audit log delivered", "path", path)
			return out
		}
		logger.Warn("audit endpoint rejected log", "path", path, "reason", out.Reason, "message", out.Message)
		if ctx.Err() != nil {
			break
		}
	}

	logger.Error("audit log not delivered", "reason", out.Reason, "message", out.Message)
	r.recordFailure(l, out)
	return out
}

func (r *Reporter) post(ctx context.Context, path string, body []byte, headers http.Header, retry httputil.RetryConfig) Outcome {
	resp, err := httputil.Do(ctx, r.client, http.MethodPost, r.baseURL+path, body, headers, retry)
	if err != nil {
		var se *httputil.StatusError
		if errors.As(err, &se) {
			return Outcome{Reason: ReasonHTTPError, Message: statusMessage(se.StatusCode, se.Excerpt)}
		}
		return Outcome{Reason: ReasonTransportError, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, httputil.ExcerptLimit))
		return Outcome{Delivered: true, Path: path}
	}

	excerpt := httputil.Excerpt(resp.Body)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return Outcome{Reason: ReasonAuthFailure, Message: statusMessage(resp.StatusCode, excerpt)}
	case http.StatusNotFound:
		return Outcome{Reason: ReasonEndpointMissing, Message: statusMessage(resp.StatusCode, excerpt)}
	default:
		return Outcome{Reason: ReasonHTTPError, Message: statusMessage(resp.StatusCode, excerpt)}
	}
}

func (r *Reporter) recordFailure(l tweak.ApplicationLog, out Outcome) {
	if r.sink == nil {
		return
	}
	r.sink.RecordReportFailure(l, out.Reason, out.Message)
}

func statusMessage(code int, excerpt string) string {
	if excerpt == "" {
		return fmt.Sprintf("HTTP %d", code)
	}
	return fmt.Sprintf("HTTP %d: %s", code, excerpt)
}
