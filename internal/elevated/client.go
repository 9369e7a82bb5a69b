package elevated

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

// DefaultInvokeTimeout bounds one helper process.
const DefaultInvokeTimeout = 90 * time.Second

// Invoker runs a request in the helper process. Modules depend on this
// interface; tests substitute InvokerFunc.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Client launches the helper. The request is written to a private temp file
// whose path is the only argument that carries data.
type Client struct {
	exe     string
	runner  executor.Runner
	tempDir string
	timeout time.Duration
}

type ClientOption func(*Client)

// WithTempDir places payload files in dir instead of os.TempDir().
func WithTempDir(dir string) ClientOption {
	return func(c *Client) { c.tempDir = dir }
}

// WithInvokeTimeout overrides DefaultInvokeTimeout.
func WithInvokeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient returns a Client that starts exe (normally os.Executable()).
func NewClient(exe string, runner executor.Runner, opts ...ClientOption) *Client {
	c := &Client{exe: exe, runner: runner, timeout: DefaultInvokeTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke validates req, runs the helper and returns its response. An error
// means the helper could not be run or broke the one-line protocol; a
// helper-reported failure is a Response with OK=false.
func (c *Client) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := Validate(req); err != nil {
		return Response{}, tweak.NewValidationError("", "elevated %s: %s", req.Type, err.Error())
	}

	path, err := c.writePayload(req)
	if err != nil {
		return Response{}, err
	}
	defer os.Remove(path)

	start := time.Now()
	res, err := c.runner.Run(ctx, executor.Command{
		Name:    c.exe,
		Args:    []string{"--elevated", "--payload", path},
		Timeout: c.timeout,
	})
	if err != nil {
		return Response{}, err
	}

	resp, perr := parseResponse(res.Stdout)
	if perr != nil {
		return Response{}, tweak.NewExecutionError("", "elevated "+string(req.Type),
			fmt.Errorf("helper exited %d without a valid response: %s", res.ExitCode, res.FailureText()))
	}
	if resp.OK != (res.ExitCode == 0) {
		return Response{}, tweak.NewExecutionError("", "elevated "+string(req.Type),
			fmt.Errorf("helper exit code %d disagrees with ok=%t: %s", res.ExitCode, resp.OK, resp.Message))
	}
	log.Debug("elevated helper finished",
		slog.String("type", string(req.Type)),
		slog.Bool("ok", resp.OK),
		slog.Int64("durationMs", time.Since(start).Milliseconds()))
	return resp, nil
}

func (c *Client) writePayload(req Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", tweak.NewSerializationError("", err)
	}
	f, err := os.CreateTemp(c.tempDir, "tweak-elevated-*.json")
	if err != nil {
		return "", fmt.Errorf("create payload file: %w", err)
	}
	// CreateTemp opens the file with mode 0600.
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write payload file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close payload file: %w", err)
	}
	return path, nil
}

// parseResponse requires exactly one non-empty line holding a Response.
func parseResponse(stdout string) (Response, error) {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) != 1 {
		return Response{}, fmt.Errorf("expected one response line, got %d", len(lines))
	}
	var resp Response
	dec := json.NewDecoder(strings.NewReader(lines[0]))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
