package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

const (
	// GrainCommand is the subcommand a grain supervisor process runs under.
	GrainCommand = "grain"
	// EnvGrainID carries the grain id into the grain process.
	EnvGrainID = "QUARRY_GRAIN_ID"
)

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int    { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Stop() error { return p.cmd.Process.Signal(syscall.SIGTERM) }

// ExecLauncher starts each grain as `self grain -- argv...`, so the grain
// runs under its own supervisor process. Cancelling the launch context
// kills the process.
func ExecLauncher(self string) Launcher {
	return func(ctx context.Context, spec GrainSpec) (Process, error) {
		args := append([]string{GrainCommand, "--"}, spec.Argv...)
		cmd := exec.CommandContext(ctx, self, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), EnvGrainID+"="+spec.ID)
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("exec %s: %w", self, err)
		}
		return &execProcess{cmd: cmd}, nil
	}
}

// DefaultLauncher re-executes the running binary in grain mode.
func DefaultLauncher() (Launcher, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return ExecLauncher(self), nil
}
