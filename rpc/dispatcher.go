// Package rpc dispatches named remote procedure calls such as "Dht.Read"
// and carries them over HTTP, WebSocket and MQTT using the device RPC frame
// format.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// ListMethod is always registered and answers with the method names.
const ListMethod = "RPC.List"

var (
	ErrNotFound  = errors.New("no handler")
	ErrDuplicate = errors.New("handler already registered")
	// ErrInvalidArgs is wrapped by handlers that reject their arguments.
	ErrInvalidArgs = errors.New("invalid arguments")
)

// Handler answers one call. args is the raw JSON of the call arguments and
// may be empty.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Dispatcher maps method names to handlers. It is safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]Handler)}
	d.handlers[ListMethod] = func(context.Context, json.RawMessage) (any, error) {
		return d.Methods(), nil
	}
	return d
}

// Register adds a handler under name.
func (d *Dispatcher) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("invalid registration for %q", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	d.handlers[name] = h
	slog.Debug("Registered RPC handler", "method", name)
	return nil
}

// Methods returns the registered method names in sorted order.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := maps.Keys(d.handlers)
	slices.Sort(keys)
	return keys
}

// Call runs the handler for name. A panicking handler is turned into an
// error so that a transport goroutine never dies with it.
func (d *Dispatcher) Call(ctx context.Context, name string, args json.RawMessage) (res any, err error) {
	d.mu.RLock()
	h, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNotFound, name)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("RPC handler panicked", "method", name, "panic", r)
			res, err = nil, fmt.Errorf("handler for %s failed: %v", name, r)
		}
	}()
	return h(ctx, args)
}
