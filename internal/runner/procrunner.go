// Package runner starts and supervises native child processes for the
// quickdev strategy: process-group signalling on stop, bounded restart
// retries and log capture into structured logging.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/internal/hostrt"
)

// ProcessHandle holds the running process information.
type ProcessHandle struct {
	PID       int
	Cmd       *exec.Cmd
	Name      string
	StartedAt time.Time
}

// Options specifies how to start the process.
type Options struct {
	Name       string
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
	NoFile     uint64 // RLIMIT_NOFILE
}

// ProcessRunner starts and stops native processes.
type ProcessRunner struct{}

func New() *ProcessRunner { return &ProcessRunner{} }

// Start launches the process and returns a handle.
func (r *ProcessRunner) Start(ctx context.Context, opts Options) (*ProcessHandle, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("empty command")
	}
	if err := hostrt.ApplyRlimits(opts.NoFile); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	// Own process group so stop signals reach children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, _ := cmd.StdoutPipe()
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if stdout != nil {
		go streamLogs(ctx, opts.Name, "stdout", stdout)
	}
	if stderr != nil {
		go streamLogs(ctx, opts.Name, "stderr", stderr)
	}
	return &ProcessHandle{PID: cmd.Process.Pid, Cmd: cmd, Name: opts.Name, StartedAt: time.Now()}, nil
}

// Stop sends SIGTERM to the process group and waits, then SIGKILL on timeout.
func (r *ProcessRunner) Stop(ctx context.Context, h *ProcessHandle, timeout time.Duration) error {
	if h == nil || h.Cmd == nil || h.Cmd.Process == nil {
		return nil
	}
	pgid := -h.Cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- h.Cmd.Wait() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		return <-done
	}
}

// StopPIDs terminates orphaned processes by PID, for cleanup after an
// unclean shutdown left children behind.
func (r *ProcessRunner) StopPIDs(pids []int, timeout time.Duration) error {
	for _, pid := range pids {
		if !hostrt.IsProcessRunning(pid) {
			continue
		}
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}
	deadline := time.Now().Add(timeout)
	for _, pid := range pids {
		for hostrt.IsProcessRunning(pid) && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
		if hostrt.IsProcessRunning(pid) {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}
	return nil
}

// RunManaged starts a process and keeps it alive within the retry budget.
// onStart fires on every (re)start, onExit once with the terminal error.
// Returns when ctx is cancelled or the budget is exhausted.
func (r *ProcessRunner) RunManaged(ctx context.Context, opts Options, maxRetries int, onStart func(*ProcessHandle), onExit func(error)) error {
	retries := 0
	report := func(err error) {
		if onExit != nil {
			onExit(err)
		}
	}
	for {
		handle, err := r.Start(ctx, opts)
		if err != nil {
			retries++
			if retries > maxRetries {
				terminal := fmt.Errorf("start failed after %d retries: %w", maxRetries, err)
				report(terminal)
				return terminal
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff(retries)):
			}
			continue
		}
		if onStart != nil {
			onStart(handle)
		}

		exitCh := make(chan error, 1)
		go func(h *ProcessHandle) { exitCh <- h.Cmd.Wait() }(handle)

		select {
		case <-ctx.Done():
			_ = r.Stop(context.Background(), handle, 5*time.Second)
			return nil
		case err := <-exitCh:
			if err == nil {
				report(nil)
				return nil
			}
			retries++
			if retries > maxRetries {
				terminal := fmt.Errorf("reached restart limit (%d): last exit: %w", maxRetries, err)
				report(terminal)
				return terminal
			}
			log.Warn().Str("service", opts.Name).Int("retry", retries).Err(err).Msg("process exited; restarting")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff(retries)):
			}
		}
	}
}

func backoff(retry int) time.Duration {
	d := time.Duration(retry) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func streamLogs(ctx context.Context, name, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
			log.Info().Str("service", name).Str("stream", stream).Msg(scanner.Text())
		}
	}
}
