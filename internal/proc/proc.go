// Package proc supervises child processes such as `ollama serve`.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/voolyvex/Local-LLM/internal/logger"
)

// ErrNotStarted is returned by operations that need a running process.
var ErrNotStarted = errors.New("process not started")

// Process is one supervised child. Output is forwarded to Log line by line.
type Process struct {
	Name string
	Path string
	Args []string
	// Env replaces the child environment when non-nil.
	Env []string
	Log *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
}

// New describes a process; nothing runs until Start.
func New(name, path string, args ...string) *Process {
	return &Process{Name: name, Path: path, Args: args}
}

// LookPath resolves a binary on PATH.
func LookPath(bin string) (string, error) {
	return exec.LookPath(bin)
}

// Output runs path to completion and returns its trimmed stdout.
func Output(ctx context.Context, path string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, path, args...).Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return string(bytes.TrimSpace(out)), nil
}

// Start launches the process in its own process group.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return fmt.Errorf("%s already started", p.Name)
	}

	log := p.Log
	if log == nil {
		log = logger.Log
	}
	log = log.With(p.Name)

	cmd := exec.Command(p.Path, p.Args...)
	cmd.Env = p.Env
	cmd.Stdout = &lineWriter{log: log, stream: "stdout"}
	cmd.Stderr = &lineWriter{log: log, stream: "stderr"}
	setProcGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.Name, err)
	}
	p.cmd = cmd
	p.exited = make(chan struct{})
	log.Info("process started", "pid", cmd.Process.Pid, "path", p.Path)

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		log.Debug("process exited", "pid", cmd.Process.Pid, "err", err)
		close(p.exited)
	}()
	return nil
}

// Pid returns the child's pid, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited is closed once the child has been reaped. It is nil before Start.
func (p *Process) Exited() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// Running reports whether the child has started and not yet exited.
func (p *Process) Running() bool {
	ch := p.Exited()
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return false
	default:
		return true
	}
}

// Err returns the result of Wait once the child exited.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Stop sends SIGTERM to the process group and waits for the child until ctx
// is done, then kills it. Stopping an exited process is a no-op.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, exited := p.cmd, p.exited
	p.mu.Unlock()
	if cmd == nil {
		return ErrNotStarted
	}

	select {
	case <-exited:
		return nil
	default:
	}

	if err := terminate(cmd); err != nil {
		return fmt.Errorf("terminate %s: %w", p.Name, err)
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
	}

	if err := kill(cmd); err != nil {
		return fmt.Errorf("kill %s: %w", p.Name, err)
	}
	<-exited
	return nil
}

// lineWriter logs each complete line written to it.
type lineWriter struct {
	log    *logger.Logger
	stream string
	buf    bytes.Buffer
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line: keep it for the next write.
			w.buf.Reset()
			w.buf.Write(line)
			return len(b), nil
		}
		if text := bytes.TrimRight(line, "\r\n"); len(text) > 0 {
			w.log.Debug(string(text), "stream", w.stream)
		}
	}
}
