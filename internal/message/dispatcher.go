package message

import (
	"context"
	"fmt"
)

// HandlerFunc handles one message type.
type HandlerFunc func(ctx context.Context, m Message) error

// Dispatcher routes messages to the handler registered for their type.
// Types without a handler are skipped.
type Dispatcher struct {
	handlers map[Type]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Type]HandlerFunc)}
}

// Handle registers fn for t, replacing any previous handler.
func (d *Dispatcher) Handle(t Type, fn HandlerFunc) *Dispatcher {
	d.handlers[t] = fn
	return d
}

// Handles reports whether a handler is registered for t.
func (d *Dispatcher) Handles(t Type) bool {
	_, ok := d.handlers[t]
	return ok
}

// Receive dispatches m to its handler.
func (d *Dispatcher) Receive(ctx context.Context, m Message) error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	fn, ok := d.handlers[m.Type]
	if !ok || fn == nil {
		return nil
	}
	return fn(ctx, m)
}
