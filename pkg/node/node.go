package node

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "golang.org/x/sync/errgroup"

    "github.com/amirimatin/go-vr/pkg/admin"
    "github.com/amirimatin/go-vr/pkg/consensus"
    raftcons "github.com/amirimatin/go-vr/pkg/consensus/raft"
    "github.com/amirimatin/go-vr/pkg/internal/logutil"
    "github.com/amirimatin/go-vr/pkg/membership"
    "github.com/amirimatin/go-vr/pkg/msg"
    obsmetrics "github.com/amirimatin/go-vr/pkg/observability/metrics"
    "github.com/amirimatin/go-vr/pkg/observability/tracing"
    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/replica"
    "github.com/amirimatin/go-vr/pkg/runtime"
    "github.com/amirimatin/go-vr/pkg/state/namespaces"
    "github.com/amirimatin/go-vr/pkg/transport"
    "github.com/amirimatin/go-vr/pkg/vr"
)

// executorName is the process name of the node's own executor pid.
const executorName = "node"

// Node hosts VR replica processes and keeps the namespace records that
// define their replica sets. Records are written through consensus on the
// registry leader and spread to every node by gossip.
type Node struct {
    opts Options
    mu   sync.RWMutex
    run  struct {
        started bool
        closed  bool
        cancel  context.CancelFunc
    }
    // exec is read by registry callbacks that run on consensus and gossip
    // goroutines, which must not take mu.
    exec atomic.Pointer[runtime.Executor[msg.Msg]]
    reg  *namespaces.State
    cons consensus.Consensus
    mem  membership.Membership
    rpcS transport.RPCServer
    rpcC transport.RPCClient
    eb   eventBus
}

// New constructs a Node from validated options. It performs no network
// activity; call Start to launch it.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    if opts.NewMachine == nil { opts.NewMachine = NewIdleMachine }
    if opts.ApplyTimeout <= 0 { opts.ApplyTimeout = 3 * time.Second }
    n := &Node{
        opts: opts,
        reg:  opts.Registry,
        cons: opts.Consensus,
        mem:  opts.Membership,
        rpcS: opts.RPCServer,
        rpcC: opts.RPCClient,
    }
    n.reg.OnChange(n.onRecord)
    return n, nil
}

// Self returns this node's identity. Addr is the management address once
// started.
func (n *Node) Self() process.NodeID {
    id := process.NodeID{Name: n.opts.NodeID}
    if n.rpcS != nil { id.Addr = n.rpcS.Addr() }
    return id
}

// Start launches the management endpoint, membership, consensus and the
// replica executor, then begins the background loops.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.started {
        return nil
    }
    n.run.started = true
    obsmetrics.Register()
    ctx, cancel := context.WithCancel(ctx)
    n.run.cancel = cancel

    if n.rpcS != nil {
        if err := n.rpcS.Start(ctx, n.handlers()); err != nil { return err }
        logutil.Infof(n.opts.Logger, "management endpoint listening at %s", n.rpcS.Addr())
    }

    exec := runtime.New(runtime.Options[msg.Msg]{
        Pid:        process.Pid{Name: executorName, Node: n.Self()},
        Mailbox:    n.opts.Mailbox,
        Outbound:   n.outbound,
        Diagnostic: isDiagnostic,
        Logger:     n.opts.Logger,
    })
    exec.Start(ctx)
    n.exec.Store(exec)
    if n.opts.TickInterval > 0 {
        exec.Tick(ctx, n.opts.TickInterval, func(process.Pid) msg.Msg { return msg.Vr{Msg: vr.Tick{}} })
    }

    if err := n.mem.Start(ctx); err != nil { return err }
    if seeds := n.opts.Discovery.Seeds(); len(seeds) > 0 {
        logutil.Infof(n.opts.Logger, "joining membership seeds: %v", seeds)
        if err := n.mem.Join(seeds); err != nil {
            logutil.Warnf(n.opts.Logger, "membership join: %v", err)
        }
    }
    go n.membershipEventsLoop(ctx)

    if n.cons != nil {
        if err := n.cons.Start(ctx); err != nil { return err }
        if ln, ok := n.cons.(consensus.LeaderNotifier); ok {
            go n.leaderLoop(ctx, ln.LeaderCh())
        }
    }
    return nil
}

func (n *Node) leaderLoop(ctx context.Context, ch <-chan consensus.LeaderInfo) {
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ch:
            if !ok { return }
            obsmetrics.LeaderChanges.Inc()
            if n.cons.IsLeader() { obsmetrics.IsLeader.Set(1) } else { obsmetrics.IsLeader.Set(0) }
            logutil.Infof(n.opts.Logger, "registry leader: id=%s term=%d", li.ID, li.Term)
            liCopy := li
            n.eb.publish(Event{Type: EventLeaderChanged, Leader: &liCopy})
            if n.opts.OnLeaderChange != nil { n.opts.OnLeaderChange(liCopy) }
        }
    }
}

// Join asks the registry leader to add this node as a RAFT voter. When
// seed is empty the leader is resolved from consensus and gossip metadata;
// otherwise seed's status names the leader.
func (n *Node) Join(ctx context.Context, seed string) error {
    if n.rpcC == nil {
        return errors.New("node: no RPC client configured")
    }
    leaderMgmt := seed
    if seed == "" {
        leaderMgmt = n.leaderMgmt()
    } else if data, err := n.rpcC.GetStatus(ctx, seed); err == nil {
        var st Status
        if json.Unmarshal(data, &st) == nil && st.LeaderAddr != "" {
            leaderMgmt = st.LeaderAddr
        }
    }
    if leaderMgmt == "" {
        return fmt.Errorf("%w: cannot resolve leader management address", ErrUnreachable)
    }
    req := transport.JoinRequest{ID: n.opts.NodeID, RaftAddr: n.opts.RaftAddr}
    resp, err := n.rpcC.PostJoin(ctx, leaderMgmt, req)
    if err == nil && !resp.Accepted && resp.Leader != "" && resp.Leader != leaderMgmt {
        // Follow one leader hint.
        resp, err = n.rpcC.PostJoin(ctx, resp.Leader, req)
    }
    if err != nil { return wireErr(err) }
    if !resp.Accepted {
        if resp.Error == ErrNotLeader.Error() { return ErrNotLeader }
        return fmt.Errorf("node: join rejected: %s", resp.Error)
    }
    logutil.Infof(n.opts.Logger, "joined registry via %s", leaderMgmt)
    return nil
}

// Status returns this node's view.
func (n *Node) Status(ctx context.Context) (*Status, error) {
    _, end := tracing.StartSpan(ctx, "node.status")
    defer end()
    s := &Status{Node: n.Self(), Namespaces: n.reg.All()}
    if n.cons != nil {
        s.Term = n.cons.Term()
        if id, _, ok := n.cons.Leader(); ok {
            s.LeaderID = id
            s.Healthy = true
            if n.cons.IsLeader() && n.rpcS != nil {
                s.LeaderAddr = n.rpcS.Addr()
            } else {
                s.LeaderAddr = n.lookupMemberAddr(id)
            }
        } else {
            s.Warnings = append(s.Warnings, "registry leader unknown")
        }
        if n.cons.IsLeader() { obsmetrics.IsLeader.Set(1) } else { obsmetrics.IsLeader.Set(0) }
    } else {
        s.Warnings = append(s.Warnings, "no consensus configured; registry is read-only")
    }
    s.Members = n.mem.Members()
    if w := membership.HealthWarning(n.mem); w != "" { s.Warnings = append(s.Warnings, w) }
    obsmetrics.Members.Set(float64(len(s.Members)))
    s.Replicas = n.Replicas()
    return s, nil
}

// Stop shuts down consensus, membership and the management server
// concurrently, then stops the executor.
func (n *Node) Stop(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.closed || !n.run.started {
        return nil
    }
    n.run.closed = true
    var g errgroup.Group
    if n.cons != nil {
        g.Go(n.cons.Stop)
    }
    g.Go(func() error {
        if err := n.mem.Leave(); err != nil { logutil.Warnf(n.opts.Logger, "membership leave: %v", err) }
        return n.mem.Stop()
    })
    if n.rpcS != nil {
        g.Go(func() error { return n.rpcS.Stop(ctx) })
    }
    err := g.Wait()
    if exec := n.exec.Load(); exec != nil { exec.Stop() }
    obsmetrics.ReplicasRunning.Set(0)
    if n.run.cancel != nil { n.run.cancel() }
    return err
}

// Close is a convenience alias for Stop with a background context.
func (n *Node) Close() error { return n.Stop(context.Background()) }

// Namespace returns the current record of ns.
func (n *Node) Namespace(ns string) (vr.VersionedReplicas, bool) { return n.reg.Get(ns) }

// CreateNamespace writes the epoch 1 record of ns. Followers forward the
// write to the registry leader.
func (n *Node) CreateNamespace(ctx context.Context, ns string, replicas []process.Pid) (vr.VersionedReplicas, error) {
    ctx, end := tracing.StartSpan(ctx, "node.create_namespace", tracing.NamespaceAttr(ns))
    defer end()
    fwd := transport.NamespaceRequest{Op: transport.NamespaceCreate, Namespace: ns, Replicas: replicas}
    return n.write(ctx, ns, fwd, func() (consensus.Command, error) {
        return command(consensus.OpCreateNamespace, consensus.CreateNamespace{Namespace: ns, Replicas: replicas})
    })
}

// Reconfigure installs a new replica set for ns taking effect at op. The
// leader derives the next record, epoch included, from its current one.
func (n *Node) Reconfigure(ctx context.Context, ns string, op uint64, replicas []process.Pid) (vr.VersionedReplicas, error) {
    ctx, end := tracing.StartSpan(ctx, "node.reconfigure", tracing.NamespaceAttr(ns))
    defer end()
    fwd := transport.NamespaceRequest{Op: transport.NamespaceReconfigure, Namespace: ns, ReplicaOp: op, Replicas: replicas}
    return n.write(ctx, ns, fwd, func() (consensus.Command, error) {
        cur, ok := n.reg.Get(ns)
        if !ok { return consensus.Command{}, fmt.Errorf("%w: %s", ErrUnknownNamespace, ns) }
        next, err := cur.Reconfigure(op, replicas)
        if err != nil { return consensus.Command{}, err }
        return command(consensus.OpReconfigure, consensus.Reconfigure{Namespace: ns, Record: next})
    })
}

// writeAttempts bounds retries of a leader write that raced another one
// for the same epoch.
const writeAttempts = 3

func (n *Node) write(ctx context.Context, ns string, fwd transport.NamespaceRequest, build func() (consensus.Command, error)) (vr.VersionedReplicas, error) {
    if n.cons == nil {
        return vr.VersionedReplicas{}, ErrNotLeader
    }
    if !n.cons.IsLeader() {
        return n.forward(ctx, fwd)
    }
    for attempt := 1; ; attempt++ {
        cmd, err := build()
        if err != nil { return vr.VersionedReplicas{}, err }
        v, err := n.cons.Apply(cmd, n.opts.ApplyTimeout)
        switch {
        case errors.Is(err, raftcons.ErrNotLeader):
            return vr.VersionedReplicas{}, ErrNotLeader
        case errors.Is(err, namespaces.ErrStaleEpoch) && attempt < writeAttempts:
            logutil.Debugf(n.opts.Logger, "%s on %s raced another write, retrying: %v", cmd.Op, ns, err)
            continue
        case errors.Is(err, namespaces.ErrUnknown):
            return vr.VersionedReplicas{}, fmt.Errorf("%w: %s", ErrUnknownNamespace, ns)
        case err != nil:
            return vr.VersionedReplicas{}, err
        }
        rec, ok := v.(vr.VersionedReplicas)
        if !ok { return vr.VersionedReplicas{}, fmt.Errorf("%w: %T", ErrBadReply, v) }
        return rec, nil
    }
}

func command(op string, payload interface{}) (consensus.Command, error) {
    b, err := json.Marshal(payload)
    if err != nil { return consensus.Command{}, err }
    return consensus.Command{Op: op, Payload: b}, nil
}

// forward sends a namespace write to the leader's management endpoint.
func (n *Node) forward(ctx context.Context, req transport.NamespaceRequest) (vr.VersionedReplicas, error) {
    leader := n.leaderMgmt()
    if leader == "" || n.rpcC == nil { return vr.VersionedReplicas{}, ErrNotLeader }
    resp, err := n.rpcC.PostNamespace(ctx, leader, req)
    if err != nil { return vr.VersionedReplicas{}, wireErr(err) }
    if resp.Record == nil { return vr.VersionedReplicas{}, ErrBadReply }
    return *resp.Record, nil
}

// StartReplica hosts a replica process for pid. pid.Group names the
// namespace, whose current record must list pid.
func (n *Node) StartReplica(ctx context.Context, pid process.Pid) error {
    _, end := tracing.StartSpan(ctx, "node.start_replica", tracing.PidAttr(pid))
    defer end()
    exec := n.exec.Load()
    if exec == nil { return runtime.ErrStopped }
    if pid.Node.Name != n.opts.NodeID {
        return fmt.Errorf("%w: %s", ErrNotLocal, pid)
    }
    rec, ok := n.reg.Get(pid.Group)
    if !ok { return fmt.Errorf("%w: %s", ErrUnknownNamespace, pid.Group) }
    if !rec.Contains(pid) { return fmt.Errorf("%w: %s", ErrNotMember, pid) }
    m, err := n.opts.NewMachine(pid, rec)
    if err != nil { return err }
    r := replica.New(pid, m).UseLogger(n.opts.Logger)
    if err := exec.Spawn(pid, r, exec.Pid()); err != nil { return err }
    obsmetrics.ReplicasRunning.Inc()
    logutil.Infof(n.opts.Logger, "replica started: %s epoch=%d", pid, rec.Epoch)
    p := pid
    n.eb.publish(Event{Type: EventReplicaStarted, Replica: &p, Namespace: pid.Group})
    return nil
}

// StopReplica stops hosting pid.
func (n *Node) StopReplica(pid process.Pid) error {
    exec := n.exec.Load()
    if exec == nil || !exec.Remove(pid) {
        return fmt.Errorf("%w: %s", ErrNotHosted, pid)
    }
    obsmetrics.ReplicasRunning.Dec()
    p := pid
    n.eb.publish(Event{Type: EventReplicaStopped, Replica: &p, Namespace: pid.Group})
    return nil
}

// Replicas lists the hosted replica pids.
func (n *Node) Replicas() []process.Pid {
    exec := n.exec.Load()
    if exec == nil { return nil }
    return exec.Pids()
}

// ReplicaState asks the replica pid for its state summary. Replicas on
// other nodes are queried through their node's management endpoint; their
// context comes back as json.RawMessage.
func (n *Node) ReplicaState(ctx context.Context, pid process.Pid) (vr.CtxSummary, error) {
    ctx, end := tracing.StartSpan(ctx, "node.replica_state", tracing.PidAttr(pid))
    defer end()
    if pid.Node.Name != "" && pid.Node.Name != n.opts.NodeID {
        return n.remoteReplicaState(ctx, pid)
    }
    exec := n.exec.Load()
    if exec == nil || !exec.Hosts(pid) {
        return vr.CtxSummary{}, fmt.Errorf("%w: %s", ErrNotHosted, pid)
    }
    target := pid
    rpy, err := exec.Call(ctx, pid, msg.AdminReq{Req: admin.GetReplicaState{Target: &target}})
    if err != nil { return vr.CtxSummary{}, err }
    switch v := rpy.Msg.(type) {
    case msg.AdminRpy:
        if rs, ok := v.Rpy.(admin.ReplicaState); ok { return rs.Summary, nil }
    case msg.Error:
        return vr.CtxSummary{}, fmt.Errorf("%w: %s", ErrBadReply, v.Text)
    }
    return vr.CtxSummary{}, fmt.Errorf("%w: %T", ErrBadReply, rpy.Msg)
}

func (n *Node) remoteReplicaState(ctx context.Context, pid process.Pid) (vr.CtxSummary, error) {
    addr := pid.Node.Addr
    if a := n.lookupMemberAddr(pid.Node.Name); a != "" { addr = a }
    if n.rpcC == nil || addr == "" {
        return vr.CtxSummary{}, fmt.Errorf("%w: %s", ErrUnreachable, pid.Node)
    }
    resp, err := n.rpcC.GetReplicaState(ctx, addr, transport.ReplicaStateRequest{Pid: pid})
    if err != nil { return vr.CtxSummary{}, wireErr(err) }
    return vr.NewCtxSummary(resp.State, resp.Ctx), nil
}

// outbound receives envelopes for pids this node does not host. Protocol
// traffic between nodes is not carried by this module.
func (n *Node) outbound(env process.Envelope[msg.Msg]) {
    logutil.Debugf(n.opts.Logger, "dropping %s from %s to remote %s", kindOf(env.Msg), env.From, env.To)
}

// onRecord reacts to every registry change.
func (n *Node) onRecord(ns string, rec vr.VersionedReplicas, source string) {
    obsmetrics.NamespaceEpoch.WithLabelValues(ns).Set(float64(rec.Epoch))
    obsmetrics.NamespaceUpdates.WithLabelValues(source).Inc()
    logutil.Infof(n.opts.Logger, "namespace %s at epoch %d (op=%d, %d replicas) via %s", ns, rec.Epoch, rec.Op, len(rec.Replicas), source)
    if source != "gossip" {
        if g, ok := n.mem.(membership.RecordGossip); ok {
            if err := g.Broadcast(ns, rec); err != nil {
                logutil.Warnf(n.opts.Logger, "gossip %s: %v", ns, err)
            }
        }
    }
    n.notifyReplicas(ns, rec)
    r := rec
    n.eb.publish(Event{Type: EventNamespaceChanged, Namespace: ns, Record: &r, Source: source})
}

// notifyReplicas delivers RecordChanged to hosted replicas of ns.
func (n *Node) notifyReplicas(ns string, rec vr.VersionedReplicas) {
    exec := n.exec.Load()
    if exec == nil { return }
    for _, pid := range exec.Pids() {
        if pid.Group != ns { continue }
        env := process.Envelope[msg.Msg]{To: pid, From: exec.Pid(), Msg: msg.Vr{Msg: RecordChanged{Namespace: ns, Record: rec}}}
        if err := exec.TrySend(env); err != nil {
            logutil.Warnf(n.opts.Logger, "notify %s of %s epoch %d: %v", pid, ns, rec.Epoch, err)
        }
    }
}

func (n *Node) membershipEventsLoop(ctx context.Context) {
    evch := n.mem.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-evch:
            if !ok { return }
            m := e.Member
            switch e.Type {
            case membership.EventJoin:
                n.eb.publish(Event{Type: EventMemberJoin, At: e.At, Member: &m})
            case membership.EventLeave, membership.EventFailed:
                n.removeServer(m.ID)
                n.eb.publish(Event{Type: EventMemberLeave, At: e.At, Member: &m})
            }
            obsmetrics.Members.Set(float64(len(n.mem.Members())))
        }
    }
}

// leaderMgmt resolves the management address of the registry leader.
func (n *Node) leaderMgmt() string {
    if n.cons == nil { return "" }
    id, _, ok := n.cons.Leader()
    if !ok { return "" }
    if id == n.opts.NodeID && n.rpcS != nil { return n.rpcS.Addr() }
    return n.lookupMemberAddr(id)
}

// lookupMemberAddr returns the management address for a member ID. It
// prefers Meta["mgmt"]; otherwise it falls back to the gossip address
// (which may not serve management APIs).
func (n *Node) lookupMemberAddr(id string) string {
    for _, m := range n.mem.Members() {
        if m.ID != id { continue }
        if mgmt := m.Meta[membership.MetaMgmt]; mgmt != "" { return mgmt }
        return m.Addr
    }
    return ""
}

func (n *Node) removeServer(id string) {
    if n.cons == nil || !n.cons.IsLeader() || id == n.opts.NodeID { return }
    if rc, ok := n.cons.(consensus.Reconfigurer); ok {
        if err := rc.RemoveServer(id, 3*time.Second); err != nil {
            logutil.Warnf(n.opts.Logger, "remove voter failed: id=%s err=%v", id, err)
        } else {
            logutil.Infof(n.opts.Logger, "removed voter: id=%s", id)
        }
    }
}

func isDiagnostic(m msg.Msg) bool {
    _, ok := m.(msg.Error)
    return ok
}

func kindOf(m msg.Msg) string {
    if m == nil { return "nil" }
    return m.Kind()
}
