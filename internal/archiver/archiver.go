package archiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"nclbk/internal/domain"
)

const defaultDir = "."

// Config holds archiver configuration.
type Config struct {
	// Timeout bounds a single process run; zero means no limit.
	Timeout time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
}

// Archiver runs an external downloader against one URL at a time.
type Archiver struct {
	timeout time.Duration
	stdout  io.Writer
	stderr  io.Writer
	logger  *slog.Logger
}

// New creates a new Archiver. Nil writers discard the child's output.
func New(cfg Config, logger *slog.Logger) *Archiver {
	return &Archiver{
		timeout: cfg.Timeout,
		stdout:  cfg.Stdout,
		stderr:  cfg.Stderr,
		logger:  logger.With("component", "archiver"),
	}
}

// Archive runs `<command> -i <url>` inside dir, creating dir first. An empty
// dir means the current working directory. Every failure is reported in the
// returned outcome.
func (a *Archiver) Archive(ctx context.Context, url, dir, command string) domain.ArchiveOutcome {
	if dir == "" {
		dir = defaultDir
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return failed(-1, fmt.Sprintf("create output dir: %v", err))
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, "-i", url)
	cmd.Dir = dir
	cmd.Stdout = a.stdout
	cmd.Stderr = a.stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err == nil {
		a.logger.Debug("archive command finished",
			"url", url,
			"dir", dir,
			"exit_code", 0,
			"elapsed", elapsed,
		)
		return domain.ArchiveOutcome{Status: domain.ArchiveArchived, ExitCode: 0}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return failed(-1, fmt.Sprintf("archive command interrupted: %v", ctxErr))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		a.logger.Debug("archive command finished",
			"url", url,
			"dir", dir,
			"exit_code", code,
			"elapsed", elapsed,
		)
		return failed(code, fmt.Sprintf("archive command exited with status %d", code))
	}

	return failed(-1, fmt.Sprintf("start archive command: %v", err))
}

func failed(code int, reason string) domain.ArchiveOutcome {
	return domain.ArchiveOutcome{
		Status:   domain.ArchiveFailed,
		ExitCode: code,
		Reason:   reason,
	}
}
