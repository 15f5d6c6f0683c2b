package registry

import (
	"context"

	"github.com/soyeahso/gia/internal/domain"
)

// Invocation is the input to an agent handler.
type Invocation struct {
	TaskID     string
	ProjectID  string
	Context    string
	Definition domain.AgentDefinition
}

// Handler runs one agent's unit of work and returns its result object.
type Handler func(ctx context.Context, inv Invocation) (map[string]any, error)

// Handlers maps agent names to their handlers.
type Handlers map[string]Handler

// Lookup returns the handler for name, or a ConfigurationError when the
// agent has no entry point.
func (h Handlers) Lookup(name string) (Handler, error) {
	fn, ok := h[name]
	if !ok || fn == nil {
		return nil, &domain.ConfigurationError{Message: "no handler for agent " + name}
	}
	return fn, nil
}

// CannedHandlers builds handlers that acknowledge each catalog agent with
// its completion message.
func CannedHandlers(entries []CatalogEntry) Handlers {
	h := make(Handlers, len(entries))
	for _, e := range entries {
		msg := e.Completion
		h[e.Name] = func(ctx context.Context, inv Invocation) (map[string]any, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return map[string]any{
				"status":  string(domain.StatusCompleted),
				"message": msg,
			}, nil
		}
	}
	return h
}
