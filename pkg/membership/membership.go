package membership

import (
    "context"
    "time"

    "github.com/amirimatin/go-vr/pkg/vr"
)

// MemberInfo describes a node as observed by the membership layer (e.g.,
// memberlist). Meta carries the management and raft addresses.
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin   EventType = "join"
    // EventLeave indicates a member left the cluster.
    EventLeave  EventType = "leave"
    // EventFailed indicates membership marked the node as failed/unreachable.
    EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Meta keys published by every node.
const (
    MetaMgmt = "mgmt"
    MetaRaft = "raft"
)

// Membership is the abstraction over the underlying gossip/failure-detection
// layer. It is responsible for peer discovery, join/leave and event delivery.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// Records is the namespace record view a gossiping membership reads from
// and feeds observations into.
type Records interface {
    All() map[string]vr.VersionedReplicas
    ApplyObserve(ns string, rec vr.VersionedReplicas) (bool, error)
}

// RecordGossip is implemented by memberships that disseminate namespace
// records to peers.
type RecordGossip interface {
    Broadcast(ns string, rec vr.VersionedReplicas) error
}
