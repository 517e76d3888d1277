// Package tracing runs short-lived diagnostic subprocesses, such as
// interpreter version queries and import checks, with span instrumentation.
// Long-lived supervised processes go through the supervisor instead.
package tracing

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// RunProbe executes one diagnostic command to completion and returns its exit
// code and trimmed output streams. The span records command identity, timing,
// exit code, and truncated output events.
func RunProbe(ctx context.Context, path string, args []string, dir string) (int, string, string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, "", "", errors.New("command path must not be empty")
	}

	ctx, span := otel.Tracer("rsx/tracing").Start(
		ctx,
		"probe.exec",
		trace.WithAttributes(
			attribute.String("command", FormatCommand(path, args)),
			attribute.String("dir", dir),
		),
	)

	started := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := resolveExitCode(ctx, cmd, err)
	stdoutText := strings.TrimSpace(stdout.String())
	stderrText := strings.TrimSpace(stderr.String())

	span.SetAttributes(attribute.Int("exit_code", exitCode))
	if stdoutText != "" {
		span.AddEvent(
			"probe.stdout",
			trace.WithAttributes(attribute.String("output", truncateOutput(stdoutText, maxOutputEventBytes))),
		)
	}
	if stderrText != "" {
		span.AddEvent(
			"probe.stderr",
			trace.WithAttributes(attribute.String("output", truncateOutput(stderrText, maxOutputEventBytes))),
		)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return exitCode, stdoutText, stderrText, err
	}

	span.SetStatus(codes.Ok, "probe completed")
	return exitCode, stdoutText, stderrText, nil
}

func resolveExitCode(ctx context.Context, cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return 0
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// FormatCommand returns a deterministic command preview for traces and logs.
func FormatCommand(path string, args []string) string {
	parts := append([]string{strings.TrimSpace(path)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}
