package vr

// Msg is a protocol message owned by the replication state machine. The
// process layer forwards it without looking inside; Kind is only used for
// logging and metrics labels.
type Msg interface {
    Kind() string
}

// Tick is the self-directed message that drives the state machine's
// timers. A replica sends one to itself at startup.
type Tick struct{}

func (Tick) Kind() string { return "tick" }
