package process

import "fmt"

// NodeID identifies the runtime node hosting a process.
type NodeID struct {
    Name string `json:"name" msgpack:"name" yaml:"name"`
    Addr string `json:"addr" msgpack:"addr" yaml:"addr"`
}

func (n NodeID) String() string { return n.Name + "@" + n.Addr }

// Pid identifies one addressable participant. It is assigned when the
// process is created and is never mutated; Pid values are comparable and
// safe to use as map keys.
type Pid struct {
    Name  string `json:"name" msgpack:"name" yaml:"name"`
    Group string `json:"group,omitempty" msgpack:"group,omitempty" yaml:"group,omitempty"`
    Node  NodeID `json:"node" msgpack:"node" yaml:"node"`
}

func (p Pid) String() string {
    if p.Group == "" {
        return fmt.Sprintf("%s::%s", p.Name, p.Node)
    }
    return fmt.Sprintf("%s::%s::%s", p.Group, p.Name, p.Node)
}

// IsZero reports whether p is the zero Pid.
func (p Pid) IsZero() bool { return p == Pid{} }

// CorrelationID pairs a request with its eventual reply. Handle and Request
// are set by whoever originates a request (e.g. a management client); a
// correlation with only Pid set is "anchored" to that process.
type CorrelationID struct {
    Pid     Pid    `json:"pid" msgpack:"pid"`
    Handle  string `json:"handle,omitempty" msgpack:"handle,omitempty"`
    Request uint64 `json:"request,omitempty" msgpack:"request,omitempty"`
}

// AnchorTo returns the correlation used when a message arrives without one:
// it names pid and carries no request handle.
func AnchorTo(pid Pid) CorrelationID { return CorrelationID{Pid: pid} }

// Anchored reports whether c carries no request handle.
func (c CorrelationID) Anchored() bool { return c.Handle == "" && c.Request == 0 }

// Envelope is the runtime-level unit of delivery.
type Envelope[M any] struct {
    To            Pid
    From          Pid
    Msg           M
    CorrelationID *CorrelationID
}

// NewEnvelope builds an envelope carrying a copy of cid (nil allowed).
func NewEnvelope[M any](to, from Pid, m M, cid *CorrelationID) Envelope[M] {
    var c *CorrelationID
    if cid != nil {
        cc := *cid
        c = &cc
    }
    return Envelope[M]{To: to, From: from, Msg: m, CorrelationID: c}
}

// Process is the contract between the hosting runtime and one addressable
// participant. The runtime calls Init once, then Handle once per inbound
// message, never concurrently for the same process. The slices returned by
// both methods are owned by the caller.
type Process[M any] interface {
    Init(from Pid) []Envelope[M]
    Handle(m M, from Pid, cid *CorrelationID) []Envelope[M]
}
