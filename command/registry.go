// Package command routes queries to registered handlers and guarantees each
// query settles with exactly one terminal result.
package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	devtoolsrelay "github.com/wolfeidau/devtools-relay"
)

// ErrUnknownCommand is reported when no handler is registered for a type.
var ErrUnknownCommand = errors.New("unknown command")

// Handler runs one query. It settles the query through c.SendResult or
// c.SendAsyncResult. Returning an error settles it as a failure; returning
// without settling yields a no_result failure.
type Handler func(ctx context.Context, c *Context) error

type registration struct {
	handler Handler
	timeout time.Duration
	schema  *gojsonschema.Schema
}

// RegisterOption configures a registration.
type RegisterOption func(*registration)

// WithTimeout sets the default timeout for the type. A timeout_ms param
// on the query takes precedence.
func WithTimeout(d time.Duration) RegisterOption {
	return func(r *registration) {
		r.timeout = d
	}
}

// WithSchema validates params against a JSON schema before the handler
// runs. Register panics if the schema does not compile.
func WithSchema(schema string) RegisterOption {
	return func(r *registration) {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
		if err != nil {
			panic(fmt.Sprintf("command: invalid params schema: %v", err))
		}
		r.schema = s
	}
}

// Registry maps query types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register installs h for typ. Registering a type again replaces the
// previous handler.
func (r *Registry) Register(typ string, h Handler, opts ...RegisterOption) {
	if h == nil {
		panic("command: nil handler for " + typ)
	}
	reg := registration{handler: h}
	for _, opt := range opts {
		opt(&reg)
	}

	r.mu.Lock()
	r.handlers[typ] = reg
	r.mu.Unlock()
}

// Handler returns the handler for typ.
func (r *Registry) Handler(typ string) (Handler, bool) {
	reg, ok := r.lookup(typ)
	return reg.handler, ok
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func (r *Registry) lookup(typ string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[typ]
	return reg, ok
}

// validate checks params against the registration's schema, if any.
func (reg registration) validate(params devtoolsrelay.Params) error {
	if reg.schema == nil {
		return nil
	}
	result, err := reg.schema.Validate(gojsonschema.NewGoLoader(params.Map()))
	if err != nil {
		return fmt.Errorf("validating params: %w", err)
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return fmt.Errorf("invalid params: %s", strings.Join(details, "; "))
}
