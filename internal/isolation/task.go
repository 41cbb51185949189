package isolation

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
)

// Task is a unit of work addressable by name inside a worker.
type Task func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps task names to implementations.
type Registry map[string]Task

type request struct {
	ID   uint64          `json:"id"`
	Task string          `json:"task"`
	Args json.RawMessage `json:"args,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

// invoke runs one request against reg and always produces a response.
func invoke(ctx context.Context, reg Registry, req request) (resp response) {
	resp.ID = req.ID
	task, ok := reg[req.Task]
	if !ok {
		resp.Error = &wireError{Type: TypeUnknownTask, Message: fmt.Sprintf("no task named %q", req.Task)}
		return resp
	}
	defer func() {
		if r := recover(); r != nil {
			resp.OK = false
			resp.Result = nil
			resp.Error = &wireError{Type: TypePanic, Message: fmt.Sprintf("%v\n%s", r, debug.Stack())}
		}
	}()

	result, err := task(ctx, req.Args)
	if err != nil {
		resp.Error = toWire(err)
		return resp
	}
	data, err := json.Marshal(result)
	if err != nil {
		resp.Error = &wireError{Type: TypeError, Message: fmt.Sprintf("encode result: %v", err)}
		return resp
	}
	resp.OK = true
	resp.Result = data
	return resp
}

// decode turns a response into either out being filled or a *TaskError.
func decode(task string, resp response, out any) error {
	if !resp.OK {
		e := &TaskError{Task: task, Type: TypeError}
		if resp.Error != nil {
			e.Type, e.Message = resp.Error.Type, resp.Error.Message
		}
		return e
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", task, err)
	}
	return nil
}

// Args decodes raw task arguments into T.
func Args[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &TaskError{Type: TypeBadArgs, Message: err.Error()}
	}
	return v, nil
}
