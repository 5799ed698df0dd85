package store

import "github.com/bdaemon/agentd/internal/types"

// Sink receives every types.SideEffect the store emits after a
// successful write, synchronously and in commit order. Implementations
// must not block the caller indefinitely — the store's write path waits
// on Emit before returning. internal/sink provides the fanout
// implementation that routes each kind to the cold syncer, the realtime
// bridge, and the status coalescer.
type Sink interface {
	Emit(effect types.SideEffect)
}

// NopSink discards every effect. Used by tests and by any code path that
// writes to the store without needing side-effect propagation (none in
// production use, but useful for isolated store tests).
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(types.SideEffect) {}
