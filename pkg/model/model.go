// Package model defines the backend contract the turn orchestrator calls
// and the request shape shared by the wire adapters. Each adapter
// normalizes its provider's stream into the canonical event set.
package model

import (
	"context"

	"github.com/cexll/turnflow/pkg/item"
	"github.com/cexll/turnflow/pkg/stream"
)

// ToolDef advertises one tool to the backend. Parameters is a JSON
// schema object; adapters translate it into their wire shape.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one backend invocation. Items carries either the full
// transcript or the delta since PreviousResponseID, per the store's
// mode; adapters that have no server-side state ignore the reference.
type Request struct {
	Instructions       string
	Items              []item.Item
	Tools              []ToolDef
	PreviousResponseID string
	Stream             bool
}

// Backend streams canonical events for one request. The returned channel
// is closed after stream-done or stream-error; a setup failure is
// returned directly instead.
type Backend interface {
	Stream(ctx context.Context, req Request) (<-chan stream.Event, error)
}
