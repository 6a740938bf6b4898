package eventbus

import (
	"context"

	"github.com/steveyegge/swarmguard/internal/claimtypes"
)

// FuncHandler adapts a plain function into a Handler, the way
// bd's handlers.go wraps one-off dispatch logic without a dedicated
// type per event.
type FuncHandler struct {
	id       string
	handles  []claimtypes.EventType
	priority int
	fn       func(context.Context, claimtypes.Event) error
}

// NewFuncHandler creates a Handler that invokes fn for any event whose
// type is in handles.
func NewFuncHandler(id string, priority int, handles []claimtypes.EventType, fn func(context.Context, claimtypes.Event) error) *FuncHandler {
	return &FuncHandler{id: id, handles: handles, priority: priority, fn: fn}
}

func (f *FuncHandler) ID() string                        { return f.id }
func (f *FuncHandler) Handles() []claimtypes.EventType    { return f.handles }
func (f *FuncHandler) Priority() int                      { return f.priority }
func (f *FuncHandler) Handle(ctx context.Context, ev claimtypes.Event) error {
	return f.fn(ctx, ev)
}
