package vr

// Machine is the replication state machine a replica process wraps. Its
// states and transitions are opaque to this package.
type Machine interface {
    // Send applies one protocol envelope and returns the envelopes to
    // deliver, in order.
    Send(env Envelope) []Envelope
    // State returns the current state name and a snapshot of the machine
    // context. It must not change the machine.
    State() (name string, ctx any)
}

// CtxSummary is the introspection view of a live machine taken at the
// moment of a request.
type CtxSummary struct {
    State string `json:"state"`
    Ctx   any    `json:"ctx,omitempty"`
}

func NewCtxSummary(state string, ctx any) CtxSummary {
    return CtxSummary{State: state, Ctx: ctx}
}
