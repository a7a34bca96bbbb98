package dispatch

import (
	"context"
	"strings"
	"sync"
)

// Mode selects how commands are gated before the sandbox executor runs
// them.
type Mode string

const (
	// ModeAuto approves every command without asking.
	ModeAuto Mode = "auto"
	// ModeAsk asks the prompter unless the command is allowlisted.
	ModeAsk Mode = "ask"
	// ModeDeny rejects everything outside the allowlist.
	ModeDeny Mode = "deny-unless-allowed"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.TrimSpace(strings.ToLower(s))) {
	case ModeAuto:
		return ModeAuto, true
	case ModeAsk:
		return ModeAsk, true
	case ModeDeny:
		return ModeDeny, true
	}
	return "", false
}

// Decision is the approval verdict for one command.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionAsk     Decision = "ask"
	DecisionReject  Decision = "reject"
)

// ApprovalRequest describes the command awaiting a verdict.
type ApprovalRequest struct {
	Argv    []string
	WorkDir string
}

// Approver classifies a command before the executor sees it.
type Approver interface {
	Evaluate(ctx context.Context, req ApprovalRequest) (Decision, error)
}

// Prompter resolves DecisionAsk by consulting the user.
type Prompter interface {
	Confirm(ctx context.Context, req ApprovalRequest) (bool, error)
}

// PolicyApprover implements the three gate modes over an argv-prefix
// allowlist. An allowlist entry like ["git", "status"] matches any
// command starting with those words.
type PolicyApprover struct {
	mu    sync.RWMutex
	mode  Mode
	allow [][]string
}

func NewPolicyApprover(mode Mode, allowlist [][]string) *PolicyApprover {
	copied := make([][]string, 0, len(allowlist))
	for _, entry := range allowlist {
		if len(entry) == 0 {
			continue
		}
		copied = append(copied, append([]string(nil), entry...))
	}
	return &PolicyApprover{mode: mode, allow: copied}
}

// SetMode changes the gate mode at runtime, for config reloads.
func (p *PolicyApprover) SetMode(mode Mode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
}

func (p *PolicyApprover) Evaluate(_ context.Context, req ApprovalRequest) (Decision, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	switch p.mode {
	case ModeAuto:
		return DecisionApprove, nil
	case ModeAsk:
		if p.allowlisted(req.Argv) {
			return DecisionApprove, nil
		}
		return DecisionAsk, nil
	case ModeDeny:
		if p.allowlisted(req.Argv) {
			return DecisionApprove, nil
		}
		return DecisionReject, nil
	}
	return DecisionReject, nil
}

func (p *PolicyApprover) allowlisted(argv []string) bool {
	for _, prefix := range p.allow {
		if len(prefix) > len(argv) {
			continue
		}
		matched := true
		for i, word := range prefix {
			if argv[i] != word {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}
