// Package script implements the bounded-time remote script execution
// described in spec §4.6: scripts/run {ref, text, timeout_ms}.
package script

import (
	"bytes"
	"context"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultTimeout = 10 * time.Second

// Request mirrors the inbound scripts/run payload.
type Request struct {
	Ref       string `json:"ref"`
	Text      string `json:"text"`
	TimeoutMS int    `json:"timeout_ms"`
}

// Result mirrors the scripts/run response payload.
type Result struct {
	Ref    string `json:"ref"`
	Result string `json:"result"` // "completed" | "error"
	Return string `json:"return"`
	Output string `json:"output,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const (
	ResultCompleted = "completed"
	ResultError     = "error"
)

// Runner executes script text via an external interpreter, capturing stdout.
type Runner struct {
	Interpreter string   // e.g. "/bin/sh"
	BaseArgs    []string // e.g. []string{"-c"}
	logger      *zap.Logger
}

// NewRunner builds a Runner invoking interpreter with baseArgs followed by
// the script text as the final argument.
func NewRunner(interpreter string, baseArgs []string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{Interpreter: interpreter, BaseArgs: baseArgs, logger: logger.With(zap.String("component", "script"))}
}

// Run executes req, killing the process after req.TimeoutMS (or 10s if
// unset) and returning a {:error, :timeout} shaped Result on expiry.
func (r *Runner) Run(ctx context.Context, req Request) Result {
	if req.Ref == "" {
		req.Ref = uuid.NewString()
	}

	timeout := defaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), r.BaseArgs...), req.Text)
	cmd := exec.CommandContext(runCtx, r.Interpreter, args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()

	output := out.String()

	if runCtx.Err() == context.DeadlineExceeded {
		r.logger.Warn("script timed out", zap.String("ref", req.Ref))
		return Result{Ref: req.Ref, Result: ResultError, Reason: "timeout", Output: output, Return: ""}
	}

	if err != nil {
		return Result{Ref: req.Ref, Result: ResultError, Reason: err.Error(), Output: output, Return: ""}
	}

	return Result{Ref: req.Ref, Result: ResultCompleted, Return: "0", Output: output}
}
