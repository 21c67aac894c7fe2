package raftcons

import (
    "encoding/json"
    "fmt"
    "io"
    "time"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-vr/pkg/consensus"
    base "github.com/amirimatin/go-vr/pkg/state"
)

// registryFSM bridges Raft Apply/Snapshot to the namespace registry.
type registryFSM struct {
    ns base.NamespaceState
}

func newRegistryFSM(ns base.NamespaceState) *registryFSM { return &registryFSM{ns: ns} }

// Apply returns the resulting record or an error.
func (f *registryFSM) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return err
    }
    switch cmd.Op {
    case c.OpCreateNamespace:
        var req c.CreateNamespace
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        rec, err := f.ns.ApplyCreate(req.Namespace, req.Replicas)
        if err != nil { return err }
        return rec
    case c.OpReconfigure:
        var req c.Reconfigure
        if err := json.Unmarshal(cmd.Payload, &req); err != nil { return err }
        rec, err := f.ns.ApplyReconfigure(req.Namespace, req.Record)
        if err != nil { return err }
        return rec
    default:
        return fmt.Errorf("raftcons: unknown command %q", cmd.Op)
    }
}

func (f *registryFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.ns.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *registryFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.ns.Restore(data)
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

// Ensure compile-time interface compliance.
var _ raft.FSM = (*registryFSM)(nil)
