// Package backend holds the descriptors for interchangeable model services
// and the registry that resolves a task category to one of them.
package backend

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cexll/turnflow/pkg/classify"
)

// Protocol names the wire shape a backend speaks. Each protocol has exactly
// one normalization path into the canonical event set.
type Protocol string

const (
	// ProtocolChat is the OpenAI chat-completions shape (messages/choices).
	ProtocolChat Protocol = "chat"
	// ProtocolResponses is the richer responses shape with typed output items.
	ProtocolResponses Protocol = "responses"
	// ProtocolAnthropic is the Anthropic messages shape (content blocks).
	ProtocolAnthropic Protocol = "anthropic"
)

// ParseProtocol validates a protocol string from configuration.
func ParseProtocol(raw string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(raw))) {
	case ProtocolChat:
		return ProtocolChat, nil
	case ProtocolResponses:
		return ProtocolResponses, nil
	case ProtocolAnthropic:
		return ProtocolAnthropic, nil
	default:
		return "", fmt.Errorf("backend: unknown protocol %q", raw)
	}
}

// Descriptor identifies one backend model service. Immutable once registered.
type Descriptor struct {
	ID          string
	Protocol    Protocol
	Model       string
	BaseURL     string
	APIKey      string
	MaxTokens   int
	Temperature *float64
	Streaming   bool
}

// Validate checks the fields required before registration.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("backend: descriptor id is required")
	}
	if _, err := ParseProtocol(string(d.Protocol)); err != nil {
		return fmt.Errorf("backend: descriptor %s: %w", d.ID, err)
	}
	if strings.TrimSpace(d.Model) == "" {
		return fmt.Errorf("backend: descriptor %s: model name is required", d.ID)
	}
	if d.MaxTokens < 0 {
		return fmt.Errorf("backend: descriptor %s: max tokens must be >= 0", d.ID)
	}
	return nil
}

// TaskMapping routes task categories to backend identifiers. It is supplied
// per turn and treated as read-only here.
type TaskMapping struct {
	Routes  map[classify.Category]string
	Default string
}

// Registry maps backend identifiers to descriptors. It is read-mostly after
// startup and safe for concurrent resolution. There is no package-level
// instance: callers construct registries explicitly and tests get isolation
// for free.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Descriptor
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: map[string]Descriptor{}}
}

// Register adds or explicitly replaces a descriptor by identifier.
func (r *Registry) Register(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[d.ID] = d
	return nil
}

// Resolve looks a descriptor up by identifier.
func (r *Registry) Resolve(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.backends[strings.TrimSpace(id)]
	return d, ok
}

// ResolveForTask maps a category through the task mapping to a registered
// descriptor. A category without a route, or a route naming an unregistered
// backend, reports not found; the caller falls back to the default backend.
func (r *Registry) ResolveForTask(category classify.Category, mapping TaskMapping) (Descriptor, bool) {
	id, ok := mapping.Routes[category]
	if !ok {
		return Descriptor{}, false
	}
	return r.Resolve(id)
}

// ResolveRoute resolves a category via the mapping, falling back to the
// mapping's default backend. It errors only when neither resolves.
func (r *Registry) ResolveRoute(category classify.Category, mapping TaskMapping) (Descriptor, error) {
	if d, ok := r.ResolveForTask(category, mapping); ok {
		return d, nil
	}
	if d, ok := r.Resolve(mapping.Default); ok {
		return d, nil
	}
	return Descriptor{}, fmt.Errorf("backend: no backend for category %s and default %q is not registered", category, mapping.Default)
}

// IDs returns the registered identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.backends))
	for id := range r.backends {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Replace swaps the full descriptor set in one step. Used by the config
// watcher so a reload never exposes a half-updated registry.
func (r *Registry) Replace(descriptors []Descriptor) error {
	next := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return err
		}
		next[d.ID] = d
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = next
	return nil
}
