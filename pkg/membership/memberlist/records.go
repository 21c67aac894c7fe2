package memberlist

import (
    "fmt"
    "log"

    "github.com/hashicorp/memberlist"
    "github.com/vmihailenco/msgpack/v5"

    "github.com/amirimatin/go-vr/pkg/internal/logutil"
    base "github.com/amirimatin/go-vr/pkg/membership"
    "github.com/amirimatin/go-vr/pkg/vr"
)

// recordMsg is the msgpack payload of a single-namespace broadcast.
type recordMsg struct {
    Namespace string               `msgpack:"ns"`
    Record    vr.VersionedReplicas `msgpack:"rec"`
}

// recordBroadcast is queued per namespace; a newer broadcast for the same
// namespace invalidates the older one.
type recordBroadcast struct {
    ns  string
    msg []byte
}

func (b *recordBroadcast) Invalidates(other memberlist.Broadcast) bool {
    o, ok := other.(*recordBroadcast)
    return ok && o.ns == b.ns
}

func (b *recordBroadcast) Message() []byte { return b.msg }
func (b *recordBroadcast) Finished()       {}

// Broadcast queues rec for gossip to every member.
func (m *impl) Broadcast(ns string, rec vr.VersionedReplicas) error {
    buf, err := msgpack.Marshal(recordMsg{Namespace: ns, Record: rec})
    if err != nil { return fmt.Errorf("memberlist: encode record: %w", err) }
    m.queue.QueueBroadcast(&recordBroadcast{ns: ns, msg: buf})
    return nil
}

// nodeDelegate implements memberlist.Delegate. It propagates node metadata
// and carries namespace records on broadcasts and push/pull sync.
type nodeDelegate struct {
    meta    []byte
    records base.Records
    queue   *memberlist.TransmitLimitedQueue
    log     *log.Logger
}

// NodeMeta is used to retrieve meta-data about the current node when broadcasting
// an alive message. The returned byte slice will be truncated to the given limit,
// as it will be broadcast in gossip.
func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    if limit <= 0 { return nil }
    return d.meta[:limit]
}

func (d *nodeDelegate) NotifyMsg(buf []byte) {
    if d.records == nil || len(buf) == 0 { return }
    var msg recordMsg
    if err := msgpack.Unmarshal(buf, &msg); err != nil {
        logutil.Debugf(d.log, "memberlist: bad record message: %v", err)
        return
    }
    d.observe(msg.Namespace, msg.Record)
}

func (d *nodeDelegate) GetBroadcasts(overhead, limit int) [][]byte {
    return d.queue.GetBroadcasts(overhead, limit)
}

func (d *nodeDelegate) LocalState(join bool) []byte {
    if d.records == nil { return nil }
    buf, err := msgpack.Marshal(d.records.All())
    if err != nil {
        logutil.Warnf(d.log, "memberlist: encode local state: %v", err)
        return nil
    }
    return buf
}

func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {
    if d.records == nil || len(buf) == 0 { return }
    var remote map[string]vr.VersionedReplicas
    if err := msgpack.Unmarshal(buf, &remote); err != nil {
        logutil.Debugf(d.log, "memberlist: bad remote state: %v", err)
        return
    }
    for ns, rec := range remote { d.observe(ns, rec) }
}

func (d *nodeDelegate) observe(ns string, rec vr.VersionedReplicas) {
    changed, err := d.records.ApplyObserve(ns, rec)
    if err != nil {
        logutil.Debugf(d.log, "memberlist: observe %s: %v", ns, err)
        return
    }
    if changed {
        logutil.Debugf(d.log, "memberlist: learned %s epoch %d", ns, rec.Epoch)
    }
}

var _ memberlist.Delegate = (*nodeDelegate)(nil)
var _ memberlist.Broadcast = (*recordBroadcast)(nil)
