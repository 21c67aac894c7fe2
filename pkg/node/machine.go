package node

import (
    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/vr"
)

// MachineFactory builds the state machine for a replica from the current
// record of its namespace.
type MachineFactory func(pid process.Pid, rec vr.VersionedReplicas) (vr.Machine, error)

// RecordChanged is delivered to every hosted replica of a namespace when a
// newer record is installed.
type RecordChanged struct {
    Namespace string
    Record    vr.VersionedReplicas
}

func (RecordChanged) Kind() string { return "record_changed" }

// IdleState is the context reported by IdleMachine.
type IdleState struct {
    Epoch    uint64        `json:"epoch"`
    Op       uint64        `json:"op"`
    Replicas []process.Pid `json:"replicas"`
    Ticks    uint64        `json:"ticks"`
    Received uint64        `json:"received"`
}

// IdleMachine is a machine that never emits anything. It tracks the
// newest record it was told about and counts what it receives, which is
// enough to host and inspect replicas without a protocol implementation.
type IdleMachine struct {
    rec      vr.VersionedReplicas
    ticks    uint64
    received uint64
}

// NewIdleMachine is the default MachineFactory.
func NewIdleMachine(_ process.Pid, rec vr.VersionedReplicas) (vr.Machine, error) {
    return &IdleMachine{rec: rec.Clone()}, nil
}

func (m *IdleMachine) Send(env vr.Envelope) []vr.Envelope {
    switch v := env.Msg.(type) {
    case vr.Tick:
        m.ticks++
    case RecordChanged:
        m.rec = vr.Latest(m.rec, v.Record)
    default:
        m.received++
    }
    return nil
}

func (m *IdleMachine) State() (string, any) {
    return "idle", IdleState{
        Epoch:    m.rec.Epoch,
        Op:       m.rec.Op,
        Replicas: m.rec.Clone().Replicas,
        Ticks:    m.ticks,
        Received: m.received,
    }
}

var _ vr.Machine = (*IdleMachine)(nil)
var _ vr.Msg = RecordChanged{}
