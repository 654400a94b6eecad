package bridge

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os/exec"
	"syscall"
	"time"
)

// Transport is the byte stream between host and sandbox. The production
// transport is a child process's stdio; tests substitute an in-memory pipe.
type Transport interface {
	// Start makes the stream ready. For a process transport this spawns the
	// sandbox.
	Start() error
	// Reader carries sandbox → host frames.
	Reader() io.Reader
	// Writer carries host → sandbox frames.
	Writer() io.Writer
	// Close tears the stream down. For a process transport this terminates
	// the sandbox, escalating to SIGKILL if it lingers.
	Close() error
}

// ProcessTransport runs the sandbox as a separate OS process and frames
// envelopes over its stdin/stdout. Stderr is drained line-by-line into the
// host logger. A separate process means cancellation is strictly
// terminate-the-process and there is no shared heap to escape through.
type ProcessTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *log.Logger
}

// NewProcessTransport prepares (but does not start) the sandbox command.
// args is the full argv; args[0] is the executable or interpreter.
func NewProcessTransport(args []string, dir string, env []string, logger *log.Logger) *ProcessTransport {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	return &ProcessTransport{cmd: cmd, logger: logger}
}

func (t *ProcessTransport) Start() error {
	stdin, err := t.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := t.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("spawn sandbox: %w", err)
	}
	t.stdin = stdin
	t.stdout = stdout

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if t.logger != nil {
				t.logger.Printf("stderr: %s", scanner.Text())
			}
		}
	}()
	return nil
}

func (t *ProcessTransport) Reader() io.Reader { return t.stdout }
func (t *ProcessTransport) Writer() io.Writer { return t.stdin }

// Close closes stdin (the polite shutdown signal), waits briefly, then
// kills. Safe to call when Start failed.
func (t *ProcessTransport) Close() error {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
	}

	_ = t.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		_ = t.cmd.Process.Kill()
		<-done
		return nil
	}
}
