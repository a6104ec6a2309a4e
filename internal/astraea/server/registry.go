package server

import (
	"math/rand"
	"sync"

	"astraea-cc/internal/astraea/observation"
)

// registry is the server's flow_contexts table: one observation.FlowContext
// per live flow, keyed by the wire-level flow id. Both transports share a
// single registry so a flow id is unique across the whole endpoint, not
// just within one connection.
type registry struct {
	mu    sync.Mutex
	flows map[int]*observation.FlowContext
}

func newRegistry() *registry {
	return &registry{flows: make(map[int]*observation.FlowContext)}
}

// register creates a new context for id, or — if id is already live — a
// fresh random replacement. It reports whether a collision occurred so the
// caller can bump the collision counter.
func (r *registry) register(id int) (assigned int, collided bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	assigned = id
	if _, exists := r.flows[assigned]; exists {
		collided = true
		for {
			assigned = rand.Int()
			if _, exists := r.flows[assigned]; !exists {
				break
			}
		}
	}
	r.flows[assigned] = observation.NewFlowContext(assigned)
	return assigned, collided
}

// get returns the live context for id, or ok=false if no such flow exists.
// Callers treat an unknown id as log-and-ignore.
func (r *registry) get(id int) (*observation.FlowContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.flows[id]
	return ctx, ok
}

// remove destroys a flow context. It is idempotent: removing an unknown id
// is a no-op.
func (r *registry) remove(id int) (existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed = r.flows[id]
	delete(r.flows, id)
	return existed
}

// removeAll destroys every flow context registered by one session, used
// when a stream transport's connection drops: a disconnected stream
// session's contexts do not survive the connection.
func (r *registry) removeAll(ids []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.flows, id)
	}
}

// count reports the number of live flow contexts, feeding the
// flows_active gauge.
func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}
