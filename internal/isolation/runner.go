package isolation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/JakeFAU/playbook-crawler/internal/metrics"
)

// maxMessageSize bounds one protocol line; rendered pages travel inside it.
const maxMessageSize = 64 << 20

// Runner executes a named task with JSON-serializable args and decodes the
// result into out.
type Runner interface {
	Run(ctx context.Context, task string, args any, out any) error
}

// LocalRunner executes tasks in the calling process. Panics are recovered and
// reported the same way a worker would report them.
type LocalRunner struct {
	registry Registry
}

// NewLocalRunner builds a LocalRunner over reg.
func NewLocalRunner(reg Registry) *LocalRunner {
	return &LocalRunner{registry: reg}
}

// Run marshals args, invokes the task and decodes its result into out.
func (l *LocalRunner) Run(ctx context.Context, task string, args any, out any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode %s args: %w", task, err)
	}
	resp := invoke(ctx, l.registry, request{Task: task, Args: raw})
	err = decode(task, resp, out)
	metrics.ObserveIsolatedTask(task, outcome(err))
	return err
}

// Serve is the worker loop: it reads newline-delimited requests from r,
// runs them one at a time and writes one response line per request to w.
// It returns nil when r reaches EOF.
func Serve(ctx context.Context, r io.Reader, w io.Writer, reg Registry) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	enc := json.NewEncoder(w)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		var resp response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = response{Error: &wireError{Type: TypeBadArgs, Message: fmt.Sprintf("decode request: %v", err)}}
		} else {
			resp = invoke(ctx, reg, req)
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if f, ok := w.(interface{ Sync() error }); ok {
			_ = f.Sync()
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

func outcome(err error) string {
	var te *TaskError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &te):
		return te.Type
	default:
		return TypeError
	}
}
