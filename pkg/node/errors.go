package node

import "errors"

var (
    ErrNotLeader        = errors.New("node: not leader")
    ErrUnknownNamespace = errors.New("node: unknown namespace")
    ErrNotMember        = errors.New("node: pid is not a replica of its namespace")
    ErrNotLocal         = errors.New("node: pid belongs to another node")
    ErrNotHosted        = errors.New("node: replica not hosted")
    ErrBadReply         = errors.New("node: unexpected reply")
    ErrUnreachable      = errors.New("node: unreachable")
)
