package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validPolicies = map[string]bool{
	"strict":     true,
	"moderate":   true,
	"permissive": true,
}

// ValidationResult splits config problems into fatals, which must stop
// startup, and warnings, which were auto-corrected.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// Validate returns every problem found. Out-of-range numbers are clamped.
func (c *Config) Validate() []error {
	r := c.ValidateTiered()
	return append(r.Fatals, r.Warnings...)
}

// ValidateTiered checks the agent config. Values that would break the
// heartbeat loop or the worker pool are clamped and reported as warnings.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.DeviceID != "" && strings.ContainsFunc(c.DeviceID, unicode.IsSpace) {
		r.Fatals = append(r.Fatals, fmt.Errorf("device_id %q must not contain whitespace", c.DeviceID))
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("server_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if strings.ContainsFunc(c.MachineToken, unicode.IsControl) {
		r.Fatals = append(r.Fatals, fmt.Errorf("machine_token contains control characters"))
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		r.Fatals = append(r.Fatals, fmt.Errorf("tls_cert_file and tls_key_file must be set together"))
	}

	if c.ScriptPolicy != "" && !validPolicies[strings.ToLower(c.ScriptPolicy)] {
		r.Fatals = append(r.Fatals, fmt.Errorf("script_policy %q is not valid (use strict, moderate, permissive)", c.ScriptPolicy))
	}

	clamp(&r, "heartbeat_interval_seconds", &c.HeartbeatIntervalSeconds, 5, 3600)
	clamp(&r, "heartbeat_failure_threshold", &c.HeartbeatFailureThreshold, 1, 100)
	clamp(&r, "connect_retry_seconds", &c.ConnectRetrySeconds, 1, 300)
	clamp(&r, "service_wait_seconds", &c.ServiceWaitSeconds, 1, 600)
	clamp(&r, "script_timeout_seconds", &c.ScriptTimeoutSeconds, 1, 3600)
	clamp(&r, "max_concurrent_tweaks", &c.MaxConcurrentTweaks, 1, 64)
	clamp(&r, "tweak_queue_size", &c.TweakQueueSize, 1, 10000)

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	logResult(r)
	return r
}

const minOperatorTokenLen = 16

// ValidateTiered checks the server config.
func (c *ServerConfig) ValidateTiered() ValidationResult {
	var r ValidationResult

	if strings.TrimSpace(c.ListenAddr) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("listen_addr is required"))
	}
	for _, tok := range c.MachineTokens {
		if strings.TrimSpace(tok) == "" || strings.ContainsFunc(tok, unicode.IsControl) {
			r.Fatals = append(r.Fatals, fmt.Errorf("machine_tokens contains an empty or malformed token"))
			break
		}
	}
	if len(c.OperatorTokens) == 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("operator_tokens is empty, the operator API will reject every request"))
	}
	for _, tok := range c.OperatorTokens {
		if len(strings.TrimSpace(tok)) < minOperatorTokenLen || strings.ContainsFunc(tok, unicode.IsControl) {
			r.Fatals = append(r.Fatals, fmt.Errorf("operator_tokens entries must be at least %d printable characters", minOperatorTokenLen))
			break
		}
	}

	clamp(&r, "stale_after_seconds", &c.StaleAfterSeconds, 10, 3600)
	clamp(&r, "sweep_interval_seconds", &c.SweepIntervalSeconds, 1, 600)
	clamp(&r, "rate_limit_window_seconds", &c.RateLimitWindowSeconds, 1, 3600)
	if c.RateLimitRequests < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("rate_limit_requests %d is negative, disabling rate limiting", c.RateLimitRequests))
		c.RateLimitRequests = 0
	}

	logResult(r)
	return r
}

func clamp(r *ValidationResult, key string, v *int, lo, hi int) {
	if *v < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, *v, lo))
		*v = lo
	} else if *v > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, *v, hi))
		*v = hi
	}
}

func logResult(r ValidationResult) {
	for _, err := range r.Fatals {
		slog.Error("config validation", "error", err)
	}
	for _, err := range r.Warnings {
		slog.Warn("config validation", "error", err)
	}
}
