package vr

import "errors"

var (
    ErrOpRegressed      = errors.New("vr: reconfiguration op precedes current op")
    ErrEmptyReplicas    = errors.New("vr: empty replica set")
    ErrDuplicateReplica = errors.New("vr: duplicate replica")
)
