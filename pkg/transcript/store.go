// Package transcript holds the ordered conversation history for a session.
// The store is the single serialization point for appends: concurrent tool
// completions queue behind its lock and never interleave within one append.
package transcript

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cexll/turnflow/pkg/item"
)

// Mode selects how much history each backend request carries.
type Mode string

const (
	// ModeStateless resends the full transcript on every request.
	ModeStateless Mode = "stateless"
	// ModeStateful sends only the delta since the last acknowledged
	// response; the backend retains prior turns by response id.
	ModeStateful Mode = "stateful"
)

// ParseMode validates a mode string from configuration.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeStateless, "":
		return ModeStateless, nil
	case ModeStateful:
		return ModeStateful, nil
	default:
		return "", fmt.Errorf("transcript: unknown storage mode %q", raw)
	}
}

// Store is an append-only log of conversation items.
type Store struct {
	mu             sync.Mutex
	mode           Mode
	items          []item.Item
	ackIndex       int
	lastResponseID string
}

// NewStore builds an empty store in the given mode.
func NewStore(mode Mode) *Store {
	if mode == "" {
		mode = ModeStateless
	}
	return &Store{mode: mode}
}

// Mode reports the configured storage mode.
func (s *Store) Mode() Mode {
	return s.mode
}

// Append validates and appends items in order. The store owns items once
// appended; callers must not mutate them afterwards.
func (s *Store) Append(items ...item.Item) error {
	for i, it := range items {
		if strings.TrimSpace(it.ID) == "" {
			return fmt.Errorf("transcript: items[%d] missing id", i)
		}
		if err := it.Validate(); err != nil {
			return fmt.Errorf("transcript: items[%d]: %w", i, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, items...)
	return nil
}

// Items returns a copy of the full transcript in insertion order.
func (s *Store) Items() []item.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]item.Item, len(s.items))
	copy(out, s.items)
	return out
}

// Len reports the number of appended items.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// RequestPayload returns the items to send on the next backend request and,
// in stateful mode, the previous response id the delta is relative to.
func (s *Store) RequestPayload() ([]item.Item, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeStateless {
		out := make([]item.Item, len(s.items))
		copy(out, s.items)
		return out, ""
	}
	out := make([]item.Item, len(s.items)-s.ackIndex)
	copy(out, s.items[s.ackIndex:])
	return out, s.lastResponseID
}

// AcknowledgeResponse records that the backend has seen everything appended
// so far, identified by the given response id. A no-op in stateless mode.
func (s *Store) AcknowledgeResponse(responseID string) {
	if s.mode != ModeStateful {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackIndex = len(s.items)
	if strings.TrimSpace(responseID) != "" {
		s.lastResponseID = responseID
	}
}

// SetStatus updates the status annotation of an appended item. Status is the
// only field that may change after append.
func (s *Store) SetStatus(id, status string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("transcript: id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("transcript: item %s not found", id)
}

// FindOutput reports whether the transcript holds an output for call id.
func (s *Store) FindOutput(callID string) (item.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if it.IsToolOutput() && it.CallID == callID {
			return it, true
		}
	}
	return item.Item{}, false
}
