package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// Invocation carries everything needed to launch one agent subprocess.
type Invocation struct {
	Binary         string
	Model          string
	Cwd            string
	WorkerID       string
	Mode           string
	AgentSessionID string // vendor-side conversation id to resume, if any
}

// Process abstracts a running agent subprocess. The engine reads the line
// protocol from Stdout and writes commands to Stdin.
type Process interface {
	Stdout() io.Reader
	Stdin() io.Writer
	Wait() error
	Kill() error
}

// AgentSpawner abstracts agent subprocess launch for testing.
type AgentSpawner interface {
	Spawn(ctx context.Context, inv Invocation) (Process, error)
}

// killGracePeriod is how long Kill waits after SIGTERM before SIGKILL.
const killGracePeriod = 3 * time.Second

// ExecSpawner is the production AgentSpawner. Each agent gets its own
// process group so Kill can terminate the entire tree, and stderr goes to a
// per-worker log file under home/workers/<id>/output.log when home is set.
type ExecSpawner struct {
	Home string
}

// Spawn launches the agent binary in protocol mode.
func (s *ExecSpawner) Spawn(ctx context.Context, inv Invocation) (Process, error) {
	args := []string{"--protocol", "ndjson", "--worker-id", inv.WorkerID}
	if inv.Model != "" {
		args = append(args, "--model", inv.Model)
	}
	if inv.Mode != "" {
		args = append(args, "--mode", inv.Mode)
	}
	if inv.AgentSessionID != "" {
		args = append(args, "--resume", inv.AgentSessionID)
	}

	cmd := exec.CommandContext(ctx, inv.Binary, args...) //nolint:gosec // binary comes from the agent catalog, not user input
	cmd.Dir = inv.Cwd
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if s.Home == "" {
		fmt.Fprintf(os.Stderr, "warning: home not set; worker %s stderr goes to daemon log\n", inv.WorkerID)
		cmd.Stderr = os.Stderr
	} else {
		logDir := filepath.Join(s.Home, "workers", inv.WorkerID)
		if err := os.MkdirAll(logDir, 0o700); err != nil {
			return nil, fmt.Errorf("create worker log dir %s: %w", logDir, err)
		}
		logPath := filepath.Join(logDir, "output.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // log path is deterministic
		if err != nil {
			return nil, fmt.Errorf("open worker log %s: %w", logPath, err)
		}
		cmd.Stderr = logFile
		defer func() { _ = logFile.Close() }() // fd inherited by the child after Start
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", inv.Binary, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// execProcess wraps *exec.Cmd to implement Process.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stdin() io.Writer  { return p.stdin }

// Wait blocks until the subprocess exits.
func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("agent process wait: %w", err)
	}
	return nil
}

// Kill terminates the entire process group: SIGTERM, a short grace period,
// then SIGKILL if the process is still alive.
func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.stdin.Close()

	pgid := p.cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		_ = p.cmd.Process.Kill()
		return nil //nolint:nilerr // SIGTERM failure means the process already exited
	}

	done := make(chan struct{})
	go func() {
		_, _ = p.cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(killGracePeriod):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}
	return nil
}
