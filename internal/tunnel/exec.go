package tunnel

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

// ExecStarter starts processes with os/exec. The child's output goes to
// the agent's stderr so ssh diagnostics end up next to the agent logs.
type ExecStarter struct{}

// Start implements Starter
func (ExecStarter) Start(name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		slog.Debug("Tunnel process already exited", "pid", p.Pid())
		return nil
	}
	return err
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}
