package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"example.com/h2stream/internal/config"
	"example.com/h2stream/internal/logger"
	"example.com/h2stream/internal/message"
)

// Handler processes one request stream. It reads the request through in
// and fills out; the server writes out once ServeStream returns. A
// returned error replaces out with a 500 response.
type Handler interface {
	ServeStream(ctx context.Context, in *message.Incoming, out *message.Outgoing) error
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, in *message.Incoming, out *message.Outgoing) error

// ServeStream calls f.
func (f HandlerFunc) ServeStream(ctx context.Context, in *message.Incoming, out *message.Outgoing) error {
	return f(ctx, in, out)
}

// HandlerFactory defines the function signature for creating handler instances.
type HandlerFactory func(handlerConfig json.RawMessage, lg *logger.Logger) (Handler, error)

// HandlerRegistry maps handler_type strings from the configuration to
// their factories. It is safe for concurrent use.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry creates and returns a new HandlerRegistry instance.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		factories: make(map[string]HandlerFactory),
	}
}

// Register associates a HandlerType string with a factory function.
// It returns an error if a HandlerType is registered more than once.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	if factory == nil {
		return fmt.Errorf("factory for handler type '%s' cannot be nil", handlerType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory retrieves a registered HandlerFactory for the given handlerType.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[handlerType]
	return factory, ok
}

// CreateHandler instantiates handlerType with its opaque route
// configuration.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig json.RawMessage, lg *logger.Logger) (Handler, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", handlerType)
	}
	return factory(handlerConfig, lg)
}

// MatchedRoute is a route together with its instantiated handler.
type MatchedRoute struct {
	Handler Handler
	Route   config.Route
}

// RouteFinder resolves a request path. It returns (nil, nil) when nothing
// matches and an error when a matching route has no usable handler.
type RouteFinder interface {
	FindRoute(path string) (*MatchedRoute, error)
}
