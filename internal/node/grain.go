package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/dreamware/quarry/internal/worker"
)

// grainStopGrace is how long a grain may take to exit after SIGTERM.
const grainStopGrace = 10 * time.Second

// RunGrain runs argv as a supervised grain: stdio is inherited and
// cancelling ctx sends the process SIGTERM, then SIGKILL after a grace
// period. The error carries the process exit status.
func RunGrain(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return errors.New("grain: no command given")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = grainStopGrace

	slog.Debug("grain starting", "argv", argv, "id", os.Getenv(worker.EnvGrainID))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("grain %s: %w", argv[0], err)
	}
	return nil
}

// ExitCode maps an error from RunGrain to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) && exit.ExitCode() > 0 {
		return exit.ExitCode()
	}
	return 1
}
