package elevated

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/breeze-rmm/tweakagent/internal/logging"
)

var log = logging.L("elevated")

// maxPayloadSize caps the payload file read by the helper.
const maxPayloadSize = 64 * 1024

// Run is the helper entry point. It always writes exactly one JSON line to
// stdout and returns the process exit code: 0 when the operation succeeded,
// 1 otherwise.
func Run(ctx context.Context, payloadPath string, stdout io.Writer, exec Executor) (code int) {
	resp := Response{}
	defer func() {
		if r := recover(); r != nil {
			resp = Response{OK: false, Message: fmt.Sprintf("helper panic: %v", r)}
			log.Error("elevated helper panic", slog.Any("panic", r))
		}
		code = writeResponse(stdout, resp)
	}()

	req, err := readRequest(payloadPath)
	if err != nil {
		resp.Message = err.Error()
		return
	}
	if err := Validate(req); err != nil {
		resp.Message = err.Error()
		log.Warn("elevated request rejected", slog.String("type", string(req.Type)), slog.String("error", err.Error()))
		return
	}

	msg, err := exec.Execute(ctx, req)
	if err != nil {
		resp.Message = err.Error()
		log.Warn("elevated request failed", slog.String("type", string(req.Type)), slog.String("error", err.Error()))
		return
	}
	resp = Response{OK: true, Message: msg}
	log.Info("elevated request completed", slog.String("type", string(req.Type)))
	return
}

func readRequest(path string) (Request, error) {
	var req Request
	if strings.TrimSpace(path) == "" {
		return req, fmt.Errorf("payload path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return req, fmt.Errorf("open payload: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(io.LimitReader(f, maxPayloadSize+1))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return req, fmt.Errorf("payload must contain exactly one JSON object")
	}
	return req, nil
}

func writeResponse(w io.Writer, resp Response) int {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"ok":false,"message":"encode response failed"}`)
		resp.OK = false
	}
	data = append(data, '\n')
	_, _ = w.Write(data)
	if resp.OK {
		return 0
	}
	return 1
}
