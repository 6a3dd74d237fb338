// Package dispatch routes stored envelopes to the processor registered for
// their action and records the resulting processing status.
package dispatch

import (
	"context"
	"fmt"
	"sort"

	"p2pmarket/services/marketd/message"
	"p2pmarket/services/marketd/models"
)

// Request is what a processor receives for one envelope. Processors may
// record why they failed or are waiting in Envelope.LastError.
type Request struct {
	Envelope *models.Envelope
	Message  *message.MarketplaceMessage
}

// Processor applies one action. It must translate every internal failure to
// PROCESSING_FAILED and return WAITING when a referenced object has not
// arrived yet.
type Processor interface {
	Process(ctx context.Context, req Request) models.ProcessingStatus
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, req Request) models.ProcessingStatus

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, req Request) models.ProcessingStatus {
	return f(ctx, req)
}

// Registry maps action types to processors. It is built once at startup.
type Registry struct {
	processors map[models.ActionType]Processor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[models.ActionType]Processor)}
}

// Register binds p to action. Registering an action twice is a wiring bug.
func (r *Registry) Register(action models.ActionType, p Processor) error {
	if p == nil {
		return fmt.Errorf("dispatch: nil processor for %s", action)
	}
	if _, exists := r.processors[action]; exists {
		return fmt.Errorf("dispatch: %s registered twice", action)
	}
	r.processors[action] = p
	return nil
}

// Lookup returns the processor for action.
func (r *Registry) Lookup(action models.ActionType) (Processor, bool) {
	p, ok := r.processors[action]
	return p, ok
}

// Actions lists the registered actions in sorted order.
func (r *Registry) Actions() []models.ActionType {
	out := make([]models.ActionType, 0, len(r.processors))
	for action := range r.processors {
		out = append(out, action)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
