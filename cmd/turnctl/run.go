package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/cexll/turnflow/pkg/backend"
	"github.com/cexll/turnflow/pkg/config"
	"github.com/cexll/turnflow/pkg/dispatch"
	"github.com/cexll/turnflow/pkg/item"
	"github.com/cexll/turnflow/pkg/model"
	modelrouter "github.com/cexll/turnflow/pkg/model/router"
	"github.com/cexll/turnflow/pkg/telemetry"
	"github.com/cexll/turnflow/pkg/transcript"
	"github.com/cexll/turnflow/pkg/turn"
)

func runCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("run", flag.ContinueOnError)
	set.SetOutput(streams.err)
	var (
		backendFlag = set.String("backend", "", "Override the default backend id from config.")
		workdirFlag = set.String("workdir", ".", "Working directory for dispatched commands.")
		streamFlag  = set.Bool("stream", false, "Print items as they arrive instead of waiting for completion.")
		modeFlag    = set.String("approval", "", "Override the approval mode (auto, ask, deny-unless-allowed).")
		configFlag  = set.String("config", cfgPath, "Path to runtime config file.")
	)
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: turnctl run [flags] \"task description\"")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
		fmt.Fprintln(streams.err, "\nExamples:")
		fmt.Fprintln(streams.err, "  turnctl run \"fix the failing parser test\"")
		fmt.Fprintln(streams.err, "  turnctl run --stream --backend fallback \"summarize recent changes\"")
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	input := strings.TrimSpace(strings.Join(set.Args(), " "))
	if input == "" {
		return errors.New("run requires a task description")
	}

	loader, err := config.NewLoader(*configFlag)
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if *modeFlag != "" {
		if _, ok := dispatch.ParseMode(*modeFlag); !ok {
			return fmt.Errorf("unknown approval mode %q", *modeFlag)
		}
		cfg.Approval.Mode = *modeFlag
	}

	registry := backend.NewRegistry()
	for _, desc := range cfg.Descriptors() {
		if err := registry.Register(desc); err != nil {
			return err
		}
	}
	mapping := cfg.Mapping()
	if *backendFlag != "" {
		if _, ok := registry.Resolve(*backendFlag); !ok {
			return fmt.Errorf("unknown backend %q (declared: %s)", *backendFlag, strings.Join(registry.IDs(), ", "))
		}
		mapping = backend.TaskMapping{Default: *backendFlag}
	}

	tel, err := telemetry.NewManager(cfg.TelemetryConfig())
	if err != nil {
		return err
	}
	telemetry.SetDefault(tel)
	defer func() {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
	}()

	approver := dispatch.NewPolicyApprover(cfg.ApprovalMode(), cfg.Approval.Allowlist)
	executor := &shellExecutor{}
	applier := &gitApplier{}
	prompter := &terminalPrompter{in: streams.in, out: streams.err}
	newDispatcher := func(resolver dispatch.Resolver) *dispatch.Dispatcher {
		return dispatch.NewDispatcher(executor, applier, approver, resolver,
			dispatch.WithPrompter(prompter),
			dispatch.WithTelemetry(tel),
		)
	}

	router := modelrouter.New()
	store := transcript.NewStore(cfg.StorageModeValue())
	opts := []turn.Option{
		turn.WithInstructions(cfg.Instructions),
		turn.WithTools(builtinTools()),
		turn.WithRetryPolicy(cfg.RetryPolicy()),
		turn.WithMaxSteps(cfg.MaxSteps),
		turn.WithTelemetry(tel),
	}
	if *streamFlag {
		opts = append(opts, turn.WithSink(streamPrinter(streams.out)))
	}
	orch := turn.NewOrchestrator(store, registry, mapping, router.Build, newDispatcher, opts...)

	items := []item.Item{item.NewMessage("user", input)}
	seedWorkDir(*workdirFlag, executor, applier)
	result, err := orch.Run(ctx, items)
	if err != nil {
		return fmt.Errorf("turn run: %w", err)
	}
	writeTurnResult(streams.out, result, *streamFlag)
	return nil
}

// seedWorkDir fills in the dispatch working directory used when the model
// omits one in its tool arguments.
func seedWorkDir(dir string, executor *shellExecutor, applier *gitApplier) {
	executor.defaultDir = dir
	applier.defaultDir = dir
}

// streamPrinter emits one JSON line per completed item.
func streamPrinter(out io.Writer) func(item.Item) {
	encoder := json.NewEncoder(out)
	encoder.SetEscapeHTML(false)
	return func(it item.Item) {
		_ = encoder.Encode(it)
	}
}

func writeTurnResult(out io.Writer, res turn.Result, streamed bool) {
	if out == nil {
		return
	}
	fmt.Fprintln(out, "# turnctl run")
	fmt.Fprintf(out, "- State: `%s`\n", res.State)
	fmt.Fprintf(out, "- Category: `%s`\n", res.Category)
	fmt.Fprintf(out, "- Backend: `%s`\n", res.Backend)
	fmt.Fprintf(out, "- Steps: %d\n", res.Steps)
	fmt.Fprintf(out, "- Input tokens: %d\n", res.Usage.InputTokens)
	fmt.Fprintf(out, "- Output tokens: %d\n", res.Usage.OutputTokens)
	if streamed {
		return
	}
	fmt.Fprintln(out, "\n## Output")
	fmt.Fprintf(out, "```\n%s\n```\n", finalAssistantText(res.Items))
	calls := toolCallSummaries(res.Items)
	if len(calls) == 0 {
		return
	}
	fmt.Fprintln(out, "\n## Tool Calls")
	for _, line := range calls {
		fmt.Fprintf(out, "- %s\n", line)
	}
}

func finalAssistantText(items []item.Item) string {
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Kind == item.KindMessage && items[i].Role == "assistant" {
			return items[i].Text
		}
	}
	return ""
}

func toolCallSummaries(items []item.Item) []string {
	outputs := make(map[string]item.Item)
	for _, it := range items {
		if it.IsToolOutput() {
			outputs[it.CallID] = it
		}
	}
	var lines []string
	for _, it := range items {
		if !it.IsToolCall() {
			continue
		}
		name := it.Name
		if name == "" {
			name = string(it.Kind)
		}
		status := "no output"
		if out, ok := outputs[it.CallID]; ok {
			status = summarizeOutput(out.Output)
		}
		lines = append(lines, fmt.Sprintf("`%s` (%s): %s", name, it.CallID, status))
	}
	return lines
}

func summarizeOutput(payload string) string {
	var decoded struct {
		Status   string `json:"status"`
		ExitCode int    `json:"exit_code"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil || decoded.Status == "" {
		return "ok"
	}
	if decoded.Error != "" {
		return fmt.Sprintf("%s: %s", decoded.Status, decoded.Error)
	}
	if decoded.Status == "success" && decoded.ExitCode == 0 {
		return "ok"
	}
	return fmt.Sprintf("%s (exit %d)", decoded.Status, decoded.ExitCode)
}

// builtinTools advertises the two dispatchable tools to every backend.
func builtinTools() []model.ToolDef {
	return []model.ToolDef{
		{
			Name:        "shell",
			Description: "Run a command in the workspace. Returns stdout, stderr, and the exit code.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Argument vector, e.g. [\"go\", \"test\", \"./...\"].",
					},
					"workdir":    map[string]any{"type": "string"},
					"timeout_ms": map[string]any{"type": "integer"},
				},
				"required": []string{"command"},
			},
		},
		{
			Name:        "apply_patch",
			Description: "Apply a unified diff to the workspace.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"input":   map[string]any{"type": "string", "description": "Unified diff text."},
					"workdir": map[string]any{"type": "string"},
				},
				"required": []string{"input"},
			},
		},
	}
}
