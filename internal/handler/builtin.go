package handler

import (
	"context"
	"fmt"
	"strings"
)

// Builtin handler names.
const (
	BuiltinNoop  = "noop"
	BuiltinEmit  = "emit"
	BuiltinFail  = "fail"
	BuiltinAwait = "await"
)

// RegisterBuiltins installs the builtin handlers into r.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Handler{
		BuiltinNoop:  HandlerFunc(noop),
		BuiltinEmit:  HandlerFunc(emit),
		BuiltinFail:  HandlerFunc(fail),
		BuiltinAwait: HandlerFunc(await),
	}
	for _, name := range []string{BuiltinNoop, BuiltinEmit, BuiltinFail, BuiltinAwait} {
		if err := r.Register(name, builtins[name]); err != nil {
			return err
		}
	}
	return nil
}

func noop(context.Context, Request) (Result, error) {
	return Succeeded(nil), nil
}

// emit copies config.output into the node output.
func emit(_ context.Context, req Request) (Result, error) {
	raw, ok := req.Config("output")
	if !ok {
		return Succeeded(nil), nil
	}
	output, ok := raw.(map[string]any)
	if !ok {
		return Failed("InvalidConfig", fmt.Sprintf("emit: config.output must be a mapping, got %T", raw), false), nil
	}
	clone := make(map[string]any, len(output))
	for key, value := range output {
		clone[key] = value
	}
	return Succeeded(clone), nil
}

// fail always fails. config.kind, config.message and config.retryable shape
// the failure; retryable defaults to true.
func fail(_ context.Context, req Request) (Result, error) {
	retryable := true
	if value, ok := req.Config("retryable"); ok {
		if b, isBool := value.(bool); isBool {
			retryable = b
		}
	}
	message := req.ConfigString("message", fmt.Sprintf("%s failed on attempt %d", req.Node.ID, req.Attempt))
	return Failed(req.ConfigString("kind", "HandlerFailed"), message, retryable), nil
}

// await parks the node; the outcome arrives later as an integration result.
func await(_ context.Context, req Request) (Result, error) {
	system := strings.TrimSpace(req.ConfigString("system", req.Node.ID))
	return Awaiting(map[string]any{"awaiting": system}), nil
}
