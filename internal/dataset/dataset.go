// Package dataset makes sure training data is present before a run.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// DefaultCommand pulls DVC-tracked data.
var DefaultCommand = []string{"dvc", "pull"}

// Preparer runs an idempotent fetch command such as `dvc pull`.
type Preparer struct {
	Command []string
	Dir     string
	Logger  *slog.Logger
}

// Ensure runs the fetch command. A missing tool or a non-zero exit is logged
// and ignored, on the assumption that the data is already in place. Other
// failures to start the command are returned.
func (p *Preparer) Ensure(ctx context.Context) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := p.Command
	if len(args) == 0 {
		args = DefaultCommand
	}

	logger.Info("preparing dataset", "command", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = p.Dir
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		logger.Debug("dataset ready", "output", strings.TrimSpace(string(out)))
		return nil
	case errors.Is(err, exec.ErrNotFound):
		logger.Warn("dataset tool not found, assuming data is present", "tool", args[0])
		return nil
	case errors.As(err, &exitErr):
		logger.Warn("dataset command failed, assuming data is present",
			"exit_code", exitErr.ExitCode(), "output", strings.TrimSpace(string(out)))
		return nil
	default:
		return fmt.Errorf("%s: %w", args[0], err)
	}
}
