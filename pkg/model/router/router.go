// Package router selects a wire adapter for a resolved backend
// descriptor and caches adapters so repeated turns reuse transports.
package router

import (
	"fmt"
	"sync"

	"github.com/cexll/turnflow/pkg/backend"
	"github.com/cexll/turnflow/pkg/model"
	"github.com/cexll/turnflow/pkg/model/anthropicwire"
	"github.com/cexll/turnflow/pkg/model/chatwire"
	"github.com/cexll/turnflow/pkg/model/responsewire"
)

// cacheKey captures every descriptor field that changes the adapter.
type cacheKey struct {
	id          string
	protocol    backend.Protocol
	modelName   string
	baseURL     string
	apiKey      string
	maxTokens   int
	temperature float64
	hasTemp     bool
}

func keyFor(desc backend.Descriptor) cacheKey {
	key := cacheKey{
		id:        desc.ID,
		protocol:  desc.Protocol,
		modelName: desc.Model,
		baseURL:   desc.BaseURL,
		apiKey:    desc.APIKey,
		maxTokens: desc.MaxTokens,
	}
	if desc.Temperature != nil {
		key.temperature = *desc.Temperature
		key.hasTemp = true
	}
	return key
}

// Router builds and caches wire adapters per descriptor.
type Router struct {
	mu    sync.Mutex
	cache map[cacheKey]model.Backend
}

func New() *Router {
	return &Router{cache: make(map[cacheKey]model.Backend)}
}

// Build returns the adapter for desc, constructing it on first use. A
// reloaded descriptor with changed fields gets a fresh adapter.
func (r *Router) Build(desc backend.Descriptor) (model.Backend, error) {
	key := keyFor(desc)
	r.mu.Lock()
	defer r.mu.Unlock()
	if be, ok := r.cache[key]; ok {
		return be, nil
	}
	be, err := build(desc)
	if err != nil {
		return nil, err
	}
	r.cache[key] = be
	return be, nil
}

func build(desc backend.Descriptor) (model.Backend, error) {
	switch desc.Protocol {
	case backend.ProtocolChat:
		return chatwire.New(desc), nil
	case backend.ProtocolResponses:
		return responsewire.New(desc), nil
	case backend.ProtocolAnthropic:
		return anthropicwire.New(desc), nil
	default:
		return nil, fmt.Errorf("no adapter for protocol %q", desc.Protocol)
	}
}
