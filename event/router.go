package event

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler processes a decoded event.
type Handler func(ctx context.Context, e *Event) error

// Router dispatches events to the handlers registered for their action.
// Unlike a fire-and-forget bus, handler errors are returned so the caller
// can record the failure against the record that carried the event.
type Router struct {
	mu          sync.RWMutex
	handlers    map[Action][]Handler
	allHandlers []Handler
	logger      *zap.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// NewRouter creates an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		handlers: make(map[Action][]Handler),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle registers h for action. Several handlers may share an action;
// they run in registration order.
func (r *Router) Handle(action Action, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = append(r.handlers[action], h)
}

// HandleAll registers h for every action.
func (r *Router) HandleAll(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allHandlers = append(r.allHandlers, h)
}

// Dispatch runs the handlers for e.Action followed by the catch-all
// handlers and stops at the first failure. An event nobody handles is
// dropped with a debug log.
func (r *Router) Dispatch(ctx context.Context, e *Event) error {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.handlers[e.Action])+len(r.allHandlers))
	handlers = append(handlers, r.handlers[e.Action]...)
	handlers = append(handlers, r.allHandlers...)
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug("no handler for event",
			zap.String("event_id", e.ID), zap.String("action", e.Action.String()))
		return nil
	}
	for _, h := range handlers {
		if err := r.run(ctx, h, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) run(ctx context.Context, h Handler, e *Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked",
				zap.String("event_id", e.ID), zap.Any("panic", rec))
			err = fmt.Errorf("handler panic for event %s: %v", e.ID, rec)
		}
	}()
	return h(ctx, e)
}

// HandlerCount returns the number of handlers registered for action,
// not counting catch-all handlers.
func (r *Router) HandlerCount(action Action) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[action])
}
