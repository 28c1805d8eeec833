// internal/infra/shell/shell_processor.go
package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"worker-dispatch/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// shellProcessor runs a shell command per request. The payload is written to
// the command's stdin and its stdout becomes the response content.
type shellProcessor struct {
	command string
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewShellProcessor creates a processor around command, run with bash -c.
func NewShellProcessor(command string, timeout time.Duration, logger *slog.Logger) domain.Processor {
	return &shellProcessor{
		command: command,
		timeout: timeout,
		logger:  logger.With("processor", "shell"),
		tracer:  otel.Tracer("worker-dispatch-shell-processor"),
	}
}

// Process runs the command. A line "next-content-type: <type>" on stderr chains the request.
func (p *shellProcessor) Process(ctx context.Context, req *domain.ForwardedRequest) (*domain.ProcessResult, error) {
	ctx, span := p.tracer.Start(ctx, "processor.shell.Process",
		trace.WithAttributes(
			attribute.String("request.id", req.RequestID),
			attribute.String("shell.command", p.command),
		))
	defer span.End()

	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "bash", "-c", p.command)
	cmd.Stdin = bytes.NewReader(req.Payload)
	cmd.Env = append(os.Environ(),
		"DISPATCH_REQUEST_ID="+req.RequestID,
		"DISPATCH_TENANT="+req.Tenant,
		"DISPATCH_CONTENT_TYPE="+req.ContentType,
		"DISPATCH_COUNT="+strconv.Itoa(req.DispatchCount),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	errOutput := strings.TrimSpace(stderr.String())
	if errOutput != "" {
		span.SetAttributes(attribute.String("shell.stderr", errOutput))
	}
	if err != nil {
		span.SetStatus(codes.Error, "shell command failed")
		span.RecordError(err)
		if errOutput != "" {
			return nil, fmt.Errorf("shell command failed: %w: %s", err, errOutput)
		}
		return nil, fmt.Errorf("shell command failed: %w", err)
	}

	p.logger.Debug("shell command executed successfully", "request_id", req.RequestID, "output_bytes", stdout.Len())
	return &domain.ProcessResult{
		Content:         stdout.Bytes(),
		NextContentType: nextContentType(errOutput),
	}, nil
}

func nextContentType(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "next-content-type:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
