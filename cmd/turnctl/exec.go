package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/cexll/turnflow/pkg/dispatch"
)

const (
	defaultExecTimeout = 60 * time.Second
	maxCapturedOutput  = 64 * 1024
)

// shellExecutor runs approved commands directly on the host. Anything
// stronger than a working-directory convention (namespaces, seccomp,
// network policy) belongs to an external sandbox binary swapped in here.
type shellExecutor struct {
	defaultDir string
}

func (e *shellExecutor) Exec(ctx context.Context, req dispatch.ExecRequest) (dispatch.ExecResult, error) {
	if len(req.Argv) == 0 {
		return dispatch.ExecResult{}, errors.New("empty argv")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, req.Argv[0], req.Argv[1:]...)
	cmd.Dir = pickDir(req.WorkDir, e.defaultDir)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := execCtx.Err(); ctxErr != nil {
		return dispatch.ExecResult{}, fmt.Errorf("after %s: %w", timeout, ctxErr)
	}
	var truncated bool
	result := dispatch.ExecResult{
		Stdout: clip(stdout.String(), &truncated),
		Stderr: clip(stderr.String(), &truncated),
	}
	result.Truncated = truncated
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return dispatch.ExecResult{}, err
	}
	return result, nil
}

func clip(s string, truncated *bool) string {
	if len(s) <= maxCapturedOutput {
		return s
	}
	*truncated = true
	return s[:maxCapturedOutput]
}

// gitApplier shells out to git apply, which owns diff parsing and
// conflict detection.
type gitApplier struct {
	defaultDir string
}

func (a *gitApplier) Apply(ctx context.Context, req dispatch.PatchRequest) (dispatch.PatchResult, error) {
	if strings.TrimSpace(req.Patch) == "" {
		return dispatch.PatchResult{}, errors.New("empty patch")
	}
	dir := pickDir(req.WorkDir, a.defaultDir)

	paths, err := gitApply(ctx, dir, req.Patch, "--numstat")
	if err != nil {
		return dispatch.PatchResult{}, err
	}
	if _, err := gitApply(ctx, dir, req.Patch); err != nil {
		return dispatch.PatchResult{}, err
	}
	return dispatch.PatchResult{ModifiedPaths: paths}, nil
}

func gitApply(ctx context.Context, dir, patch string, extra ...string) ([]string, error) {
	args := append([]string{"apply", "--whitespace=nowarn"}, extra...)
	args = append(args, "-")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(patch)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("git apply: %s", detail)
	}
	var paths []string
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 {
			paths = append(paths, fields[len(fields)-1])
		}
	}
	return paths, nil
}

func pickDir(primary, fallback string) string {
	if strings.TrimSpace(primary) != "" {
		return primary
	}
	if strings.TrimSpace(fallback) != "" {
		return fallback
	}
	return "."
}

// terminalPrompter resolves ask-mode approvals on the controlling
// terminal.
type terminalPrompter struct {
	in  io.Reader
	out io.Writer
}

func (p *terminalPrompter) Confirm(ctx context.Context, req dispatch.ApprovalRequest) (bool, error) {
	if p.in == nil {
		return false, errors.New("no terminal available")
	}
	fmt.Fprintf(p.out, "approve command %q in %s? [y/N] ", strings.Join(req.Argv, " "), pickDir(req.WorkDir, "."))
	answers := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(p.in)
		if scanner.Scan() {
			answers <- strings.ToLower(strings.TrimSpace(scanner.Text()))
			return
		}
		answers <- ""
	}()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case answer := <-answers:
		return answer == "y" || answer == "yes", nil
	}
}
