// Package dispatch routes normalized tool-call items to the sandbox
// executor or the patch applier and wraps their results into canonical
// tool-output items. Argument and executor failures never abort a turn;
// they come back as ordinary outputs the model can react to.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cexll/turnflow/pkg/item"
	"github.com/cexll/turnflow/pkg/telemetry"
)

// CallKind is the downstream contract a tool call resolves to.
type CallKind string

const (
	KindExec  CallKind = "exec"
	KindPatch CallKind = "patch"
)

const (
	resultStatusSuccess = "success"
	resultStatusError   = "error"
	resultStatusDenied  = "denied"
	resultStatusAborted = "aborted"
	resultStatusTimeout = "timeout"
)

// ExecRequest is the normalized input to the sandbox executor.
type ExecRequest struct {
	Argv          []string
	WorkDir       string
	Timeout       time.Duration
	WritableRoots []string
}

// ExecResult is the sandbox executor's normalized output.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// Executor runs a command inside the external sandbox. Timeout policy
// belongs to the executor; a timed-out call reports an error here and is
// not retried.
type Executor interface {
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// PatchRequest carries a structured diff payload to the applier.
type PatchRequest struct {
	Patch   string
	WorkDir string
}

// PatchResult reports what the applier changed.
type PatchResult struct {
	ModifiedPaths []string
}

// Applier applies a structured diff to the workspace.
type Applier interface {
	Apply(ctx context.Context, req PatchRequest) (PatchResult, error)
}

// Resolver releases a call_id from pending tracking. Dispatch calls it
// exactly once per call on every path.
type Resolver interface {
	Resolve(callID string)
}

// execArgs is the accepted argument shape for exec-style calls, from
// either a local_shell_call or a function_call named like a shell tool.
type execArgs struct {
	Command       []string `json:"command"`
	WorkDir       string   `json:"workdir,omitempty"`
	TimeoutMS     int64    `json:"timeout_ms,omitempty"`
	WritableRoots []string `json:"writable_roots,omitempty"`
}

type patchArgs struct {
	Input   string `json:"input"`
	WorkDir string `json:"workdir,omitempty"`
}

// execNames are function_call names that normalize to the exec contract.
var execNames = map[string]bool{
	"shell":        true,
	"local_shell":  true,
	"exec_command": true,
}

var patchNames = map[string]bool{
	"apply_patch": true,
	"patch":       true,
}

// KindFor resolves the downstream contract for a tool-call item.
func KindFor(call item.Item) (CallKind, error) {
	switch call.Kind {
	case item.KindLocalShellCall:
		return KindExec, nil
	case item.KindFunctionCall:
		name := strings.ToLower(strings.TrimSpace(call.Name))
		if execNames[name] {
			return KindExec, nil
		}
		if patchNames[name] {
			return KindPatch, nil
		}
		return "", fmt.Errorf("unsupported tool %q", call.Name)
	}
	return "", fmt.Errorf("item kind %s is not a tool call", call.Kind)
}

// Dispatcher resolves tool-call items against the external executors.
type Dispatcher struct {
	executor    Executor
	applier     Applier
	approver    Approver
	prompter    Prompter
	resolver    Resolver
	log         *slog.Logger
	tel         *telemetry.Manager
	parallelism int
}

type Option func(*Dispatcher)

// WithPrompter supplies the ask-user hook for DecisionAsk verdicts.
// Without one, ask degrades to denial.
func WithPrompter(p Prompter) Option {
	return func(d *Dispatcher) { d.prompter = p }
}

func WithParallelism(n int) Option {
	return func(d *Dispatcher) { d.parallelism = n }
}

func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

func WithTelemetry(tel *telemetry.Manager) Option {
	return func(d *Dispatcher) { d.tel = tel }
}

func NewDispatcher(executor Executor, applier Applier, approver Approver, resolver Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		executor:    executor,
		applier:     applier,
		approver:    approver,
		resolver:    resolver,
		log:         slog.Default(),
		parallelism: 4,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch resolves one tool call into its output item. It never returns
// an error: argument failures, denials, executor errors, and
// cancellation all produce an output so the call_id is always answered.
func (d *Dispatcher) Dispatch(ctx context.Context, call item.Item) item.Item {
	defer func() {
		if d.resolver != nil {
			d.resolver.Resolve(call.CallID)
		}
	}()

	started := time.Now()
	kind, err := KindFor(call)
	if err != nil {
		return d.invalidArguments(call, err)
	}

	var out item.Item
	switch kind {
	case KindExec:
		out = d.dispatchExec(ctx, call)
	case KindPatch:
		out = d.dispatchPatch(ctx, call)
	}
	d.tel.RecordToolCall(ctx, telemetry.ToolData{
		Name:     call.Name,
		Kind:     string(kind),
		Duration: time.Since(started),
	})
	return out
}

// DispatchAll fans calls out concurrently and returns outputs indexed to
// match the input order, which is stream arrival order. Completion order
// never reorders the transcript.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []item.Item) []item.Item {
	if len(calls) == 0 {
		return nil
	}
	outputs := make([]item.Item, len(calls))
	if len(calls) == 1 {
		outputs[0] = d.Dispatch(ctx, calls[0])
		return outputs
	}

	limit := d.parallelism
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, call := range calls {
		i, call := i, call
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				outputs[i] = d.Dispatch(ctx, call)
			case <-ctx.Done():
				outputs[i] = d.abortedOutput(call, ctx.Err())
				if d.resolver != nil {
					d.resolver.Resolve(call.CallID)
				}
			}
		}()
	}
	wg.Wait()
	return outputs
}

func (d *Dispatcher) dispatchExec(ctx context.Context, call item.Item) item.Item {
	var args execArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return d.invalidArguments(call, fmt.Errorf("invalid arguments: %w", err))
	}
	if len(args.Command) == 0 {
		return d.invalidArguments(call, errors.New("invalid arguments: command is required"))
	}

	if d.approver != nil {
		decision, err := d.approver.Evaluate(ctx, ApprovalRequest{Argv: args.Command, WorkDir: args.WorkDir})
		if err != nil {
			return d.errorOutput(call, resultStatusError, fmt.Sprintf("approval check failed: %v", err))
		}
		if decision == DecisionAsk {
			decision = d.askUser(ctx, args)
		}
		if decision != DecisionApprove {
			d.log.Warn("tool call denied", "call_id", call.CallID, "argv", telemetry.MaskText(strings.Join(args.Command, " ")))
			return d.errorOutput(call, resultStatusDenied, "command rejected by approval policy")
		}
	}

	if d.executor == nil {
		return d.errorOutput(call, resultStatusError, "no sandbox executor configured")
	}
	res, err := d.executor.Exec(ctx, ExecRequest{
		Argv:          args.Command,
		WorkDir:       args.WorkDir,
		Timeout:       time.Duration(args.TimeoutMS) * time.Millisecond,
		WritableRoots: args.WritableRoots,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return d.abortedOutput(call, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return d.errorOutput(call, resultStatusTimeout, "command timed out")
		}
		return d.errorOutput(call, resultStatusError, err.Error())
	}
	return d.execOutput(call, res)
}

func (d *Dispatcher) dispatchPatch(ctx context.Context, call item.Item) item.Item {
	var args patchArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return d.invalidArguments(call, fmt.Errorf("invalid arguments: %w", err))
	}
	if strings.TrimSpace(args.Input) == "" {
		return d.invalidArguments(call, errors.New("invalid arguments: patch input is required"))
	}
	if d.applier == nil {
		return d.errorOutput(call, resultStatusError, "no patch applier configured")
	}
	res, err := d.applier.Apply(ctx, PatchRequest{Patch: args.Input, WorkDir: args.WorkDir})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return d.abortedOutput(call, err)
		}
		return d.errorOutput(call, resultStatusError, err.Error())
	}
	payload, _ := json.Marshal(map[string]any{
		"status":         resultStatusSuccess,
		"modified_paths": res.ModifiedPaths,
	})
	return d.output(call, string(payload), item.StatusCompleted)
}

func (d *Dispatcher) askUser(ctx context.Context, args execArgs) Decision {
	if d.prompter == nil {
		return DecisionReject
	}
	ok, err := d.prompter.Confirm(ctx, ApprovalRequest{Argv: args.Command, WorkDir: args.WorkDir})
	if err != nil || !ok {
		return DecisionReject
	}
	return DecisionApprove
}

func (d *Dispatcher) execOutput(call item.Item, res ExecResult) item.Item {
	status := resultStatusSuccess
	if res.ExitCode != 0 {
		status = resultStatusError
	}
	payload, _ := json.Marshal(map[string]any{
		"status":    status,
		"exit_code": res.ExitCode,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"truncated": res.Truncated,
	})
	return d.output(call, string(payload), item.StatusCompleted)
}

func (d *Dispatcher) invalidArguments(call item.Item, err error) item.Item {
	d.log.Warn("tool arguments rejected", "call_id", call.CallID, "tool", call.Name, "error", err)
	payload, _ := json.Marshal(map[string]string{
		"status": resultStatusError,
		"error":  err.Error(),
	})
	return d.output(call, string(payload), item.StatusCompleted)
}

func (d *Dispatcher) errorOutput(call item.Item, status, message string) item.Item {
	payload, _ := json.Marshal(map[string]string{
		"status": status,
		"error":  message,
	})
	return d.output(call, string(payload), item.StatusCompleted)
}

func (d *Dispatcher) abortedOutput(call item.Item, err error) item.Item {
	payload, _ := json.Marshal(map[string]string{
		"status": resultStatusAborted,
		"error":  fmt.Sprintf("tool execution canceled: %v", err),
	})
	return d.output(call, string(payload), item.StatusAborted)
}

// AbortOutput synthesizes the terminal output for a call that was still
// pending when the turn was cancelled.
func AbortOutput(call item.Item) item.Item {
	payload, _ := json.Marshal(map[string]string{
		"status": resultStatusAborted,
		"error":  "turn cancelled before the call completed",
	})
	outKind, err := item.OutputKindFor(call.Kind)
	if err != nil {
		outKind = item.KindFunctionCallOutput
	}
	out := item.NewFunctionCallOutput(call.CallID, string(payload))
	if outKind == item.KindLocalShellCallOutput {
		out = item.NewLocalShellCallOutput(call.CallID, string(payload))
	}
	out.Status = item.StatusAborted
	return out
}

func (d *Dispatcher) output(call item.Item, payload, status string) item.Item {
	outKind, err := item.OutputKindFor(call.Kind)
	if err != nil {
		outKind = item.KindFunctionCallOutput
	}
	out := item.NewFunctionCallOutput(call.CallID, payload)
	if outKind == item.KindLocalShellCallOutput {
		out = item.NewLocalShellCallOutput(call.CallID, payload)
	}
	out.Status = status
	return out
}
