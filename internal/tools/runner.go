package tools

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Process is a detached child started by StartDetached.
type Process struct {
	PID int

	done chan struct{}
	mu   sync.Mutex
	err  error
	code int
}

// StartDetached starts name in a new session with stdin closed and stdout
// and stderr appended to logPath, or discarded when logPath is empty. The
// child outlives the caller.
func StartDetached(logPath, name string, args ...string) (*Process, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	var out *os.File
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open worker log %s: %w", logPath, err)
		}
		out = f
		cmd.Stdout = f
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return nil, err
	}
	if out != nil {
		// The child holds its own descriptor.
		_ = out.Close()
	}

	p := &Process{PID: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.code = 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.code = exitErr.ExitCode()
		} else if err != nil {
			p.code = -1
		}
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// Exited reports whether the child has exited and, if so, its exit code.
func (p *Process) Exited() (bool, int) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.code
	default:
		return false, 0
	}
}

// Done is closed once the child has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}
