package agent

import (
	"context"
	"sync"
	"time"

	"PairAgent-Chain/internal/mailbox"
)

// Handler reacts to one message. Errors are logged by the runtime.
type Handler func(ctx context.Context, msg mailbox.Message) error

// Behaviour is a periodic responsibility of an agent. The first firing
// happens when the agent starts; later ones are due at start + k×Interval.
type Behaviour struct {
	Name     string
	Interval time.Duration
	Action   func(ctx context.Context) error
}

type namedHandler struct {
	name    string
	handler Handler
}

// registry maps a message type to its handlers in registration order.
type registry struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
}

func newRegistry() *registry {
	return &registry{handlers: make(map[string][]namedHandler)}
}

func (r *registry) add(msgType, name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = append(r.handlers[msgType], namedHandler{name: name, handler: h})
}

func (r *registry) lookup(msgType string) []namedHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]namedHandler(nil), r.handlers[msgType]...)
}

func (r *registry) types() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.handlers))
	for msgType, hs := range r.handlers {
		names := make([]string, 0, len(hs))
		for _, h := range hs {
			names = append(names, h.name)
		}
		out[msgType] = names
	}
	return out
}
