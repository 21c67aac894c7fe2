package node

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-vr/pkg/consensus"
    "github.com/amirimatin/go-vr/pkg/membership"
    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/vr"
)

type EventType string

const (
    EventLeaderChanged    EventType = "leader_changed"
    EventMemberJoin       EventType = "member_join"
    EventMemberLeave      EventType = "member_leave"
    EventNamespaceChanged EventType = "namespace_changed"
    EventReplicaStarted   EventType = "replica_started"
    EventReplicaStopped   EventType = "replica_stopped"
)

// Event describes a node state change. Only the fields relevant to Type
// are populated.
type Event struct {
    Type      EventType
    At        time.Time
    Leader    *consensus.LeaderInfo
    Member    *membership.MemberInfo
    Namespace string
    Record    *vr.VersionedReplicas
    // Source is "raft", "gossip" or "restore" for namespace changes.
    Source    string
    Replica   *process.Pid
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    n.eb.add(ch)
    go func() {
        <-ctx.Done()
        n.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}
