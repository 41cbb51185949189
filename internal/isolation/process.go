package isolation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/playbook-crawler/internal/metrics"
)

// ProcessConfig describes how to launch the worker.
type ProcessConfig struct {
	// Path defaults to the running executable.
	Path string
	// Args defaults to the hidden isolate subcommand.
	Args   []string
	Env    []string
	Stderr io.Writer
}

type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	exited chan struct{}
	err    error // set once exited is closed
}

// ProcessRunner runs tasks in a single long-lived child process. Calls are
// serialized; a dead child is replaced on the next call.
type ProcessRunner struct {
	cfg    ProcessConfig
	logger *zap.Logger

	mu     sync.Mutex
	w      *worker
	nextID uint64
	closed bool
}

// NewProcessRunner builds a runner. The child is started lazily.
func NewProcessRunner(cfg ProcessConfig, logger *zap.Logger) (*ProcessRunner, error) {
	if cfg.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		cfg.Path = exe
	}
	if cfg.Args == nil {
		cfg.Args = []string{"isolate"}
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessRunner{cfg: cfg, logger: logger}, nil
}

// Run sends one request to the worker and waits for its response.
func (p *ProcessRunner) Run(ctx context.Context, task string, args any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", task, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("process runner closed")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("isolated %s: %w", task, err)
	}
	if p.w == nil {
		if p.w, err = p.start(); err != nil {
			return err
		}
	}

	p.nextID++
	req := request{ID: p.nextID, Task: task, Args: raw}
	resp, err := p.roundTrip(ctx, p.w, req)
	if err != nil {
		metrics.ObserveIsolatedTask(task, outcome(err))
		return err
	}
	err = decode(task, resp, out)
	metrics.ObserveIsolatedTask(task, outcome(err))
	return err
}

func (p *ProcessRunner) roundTrip(ctx context.Context, w *worker, req request) (response, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("encode request: %w", err)
	}
	if _, err := w.stdin.Write(append(line, '\n')); err != nil {
		return response{}, p.crashed(req.Task, fmt.Sprintf("write request: %v", err))
	}

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := w.stdout.ReadBytes('\n')
		if err != nil {
			done <- result{err: err}
			return
		}
		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			done <- result{err: fmt.Errorf("decode response: %w", err)}
			return
		}
		done <- result{resp: resp}
	}()

	select {
	case <-ctx.Done():
		p.logger.Warn("killing isolated worker", zap.String("task", req.Task), zap.Error(ctx.Err()))
		p.stop()
		<-done
		return response{}, fmt.Errorf("isolated %s: %w", req.Task, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return response{}, p.crashed(req.Task, r.err.Error())
		}
		if r.resp.ID != req.ID {
			return response{}, p.crashed(req.Task, fmt.Sprintf("response id %d for request %d", r.resp.ID, req.ID))
		}
		return r.resp, nil
	}
}

// crashed tears the worker down and describes how it died.
func (p *ProcessRunner) crashed(task, detail string) error {
	w := p.w
	p.stop()
	msg := detail
	if w != nil && w.err != nil {
		msg = fmt.Sprintf("%s (%v)", detail, w.err)
	}
	p.logger.Error("isolated worker crashed", zap.String("task", task), zap.String("detail", msg))
	return &TaskError{Task: task, Type: TypeWorkerCrashed, Message: msg}
}

func (p *ProcessRunner) start() (*worker, error) {
	cmd := exec.Command(p.cfg.Path, p.cfg.Args...) //nolint:gosec // path is our own binary or explicit config
	cmd.Env = append(os.Environ(), p.cfg.Env...)
	cmd.Stderr = p.cfg.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	w := &worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 64*1024),
		exited: make(chan struct{}),
	}
	go func() {
		w.err = cmd.Wait()
		close(w.exited)
	}()
	p.logger.Info("isolated worker started", zap.Int("pid", cmd.Process.Pid))
	return w, nil
}

// stop kills the current worker, if any, and waits for it to exit.
func (p *ProcessRunner) stop() {
	w := p.w
	p.w = nil
	if w == nil {
		return
	}
	_ = w.stdin.Close()
	_ = w.cmd.Process.Kill()
	<-w.exited
}

// Close asks the worker to exit by closing its stdin, killing it if it does
// not leave within a few seconds.
func (p *ProcessRunner) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	w := p.w
	p.w = nil
	if w == nil {
		return nil
	}
	_ = w.stdin.Close()
	select {
	case <-w.exited:
	case <-time.After(5 * time.Second):
		_ = w.cmd.Process.Kill()
		<-w.exited
	}
	return nil
}
