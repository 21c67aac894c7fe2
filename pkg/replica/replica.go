package replica

import (
    "log"

    "github.com/amirimatin/go-vr/pkg/admin"
    "github.com/amirimatin/go-vr/pkg/internal/logutil"
    "github.com/amirimatin/go-vr/pkg/msg"
    obsmetrics "github.com/amirimatin/go-vr/pkg/observability/metrics"
    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/vr"
)

// Replica wraps a VR state machine as a process so that it can receive
// messages from the runtime. Only protocol messages reach the machine;
// administrative requests are answered directly and anything else gets a
// diagnostic reply.
//
// The outbound queue is handed to the caller on every Init/Handle; the
// replica starts each call with an empty queue.
type Replica struct {
    pid     process.Pid
    machine vr.Machine
    output  []process.Envelope[msg.Msg]
    logger  *log.Logger
}

func New(pid process.Pid, machine vr.Machine) *Replica {
    return &Replica{pid: pid, machine: machine, output: make([]process.Envelope[msg.Msg], 0, 1)}
}

// UseLogger sets the logger used to report unrecognized messages.
func (r *Replica) UseLogger(l *log.Logger) *Replica { r.logger = l; return r }

// Pid returns the replica's process identity.
func (r *Replica) Pid() process.Pid { return r.pid }

// Pending returns the number of queued outbound envelopes. It is zero
// between calls.
func (r *Replica) Pending() int { return len(r.output) }

// Init sends a Tick to the machine on behalf of from, anchored to the
// replica's own pid, and returns whatever the machine emits.
func (r *Replica) Init(from process.Pid) []process.Envelope[msg.Msg] {
    cid := process.AnchorTo(r.pid)
    env := vr.NewEnvelope(r.pid, from, vr.Tick{}, cid)
    r.forward(env)
    return r.drain()
}

// Handle dispatches one inbound message. A missing correlation is replaced
// by one anchored to the replica's pid.
func (r *Replica) Handle(m msg.Msg, from process.Pid, cid *process.CorrelationID) []process.Envelope[msg.Msg] {
    correlation := process.AnchorTo(r.pid)
    if cid != nil {
        correlation = *cid
    }
    switch v := m.(type) {
    case msg.AdminReq:
        if _, ok := v.Req.(admin.GetReplicaState); ok {
            obsmetrics.ReplicaDispatched.WithLabelValues("admin").Inc()
            state, ctx := r.machine.State()
            rpy := msg.AdminRpy{Rpy: admin.ReplicaState{Summary: vr.NewCtxSummary(state, ctx)}}
            r.push(process.NewEnvelope[msg.Msg](from, r.pid, rpy, &correlation))
            return r.drain()
        }
    case msg.Vr:
        if v.Msg != nil {
            obsmetrics.ReplicaDispatched.WithLabelValues("vr").Inc()
            r.forward(vr.NewEnvelope(r.pid, from, v.Msg, correlation))
            return r.drain()
        }
    }
    obsmetrics.ReplicaDispatched.WithLabelValues("invalid").Inc()
    if r.logger != nil {
        logutil.Debugf(r.logger, "replica %s: invalid msg kind=%s from=%s", r.pid, kindOf(m), from)
    }
    r.push(process.NewEnvelope[msg.Msg](from, r.pid, msg.NewError(), &correlation))
    return r.drain()
}

// forward sends env to the machine and queues its outputs in order.
func (r *Replica) forward(env vr.Envelope) {
    for _, out := range r.machine.Send(env) {
        r.push(toProcessEnvelope(out))
    }
}

func (r *Replica) push(e process.Envelope[msg.Msg]) {
    r.output = append(r.output, e)
    obsmetrics.ReplicaOutbound.Inc()
}

func (r *Replica) drain() []process.Envelope[msg.Msg] {
    out := r.output
    r.output = make([]process.Envelope[msg.Msg], 0, 1)
    return out
}

// toProcessEnvelope converts a machine output to a runtime envelope.
func toProcessEnvelope(e vr.Envelope) process.Envelope[msg.Msg] {
    cid := e.CorrelationID
    return process.Envelope[msg.Msg]{To: e.To, From: e.From, Msg: msg.Vr{Msg: e.Msg}, CorrelationID: &cid}
}

func kindOf(m msg.Msg) string {
    if m == nil {
        return "nil"
    }
    return m.Kind()
}

var _ process.Process[msg.Msg] = (*Replica)(nil)
