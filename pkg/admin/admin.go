package admin

import (
    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/vr"
)

// Req is an administrative request understood by replica processes.
type Req interface{ isAdminReq() }

// Rpy is the reply to a Req.
type Rpy interface{ isAdminRpy() }

// GetReplicaState asks a replica for a snapshot of its state machine.
// Target is carried for callers that route by replica; replicas ignore it.
type GetReplicaState struct {
    Target *process.Pid `json:"target,omitempty"`
}

// ReplicaState answers GetReplicaState.
type ReplicaState struct {
    Summary vr.CtxSummary `json:"summary"`
}

func (GetReplicaState) isAdminReq() {}
func (ReplicaState) isAdminRpy()    {}
