package vr

import "github.com/amirimatin/go-vr/pkg/process"

// Envelope is the protocol-typed envelope exchanged with a Machine. Unlike
// the runtime envelope it always carries a correlation.
type Envelope struct {
    To            process.Pid
    From          process.Pid
    Msg           Msg
    CorrelationID process.CorrelationID
}

func NewEnvelope(to, from process.Pid, m Msg, cid process.CorrelationID) Envelope {
    return Envelope{To: to, From: from, Msg: m, CorrelationID: cid}
}
