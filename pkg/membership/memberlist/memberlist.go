package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-vr/pkg/internal/logutil"
    base "github.com/amirimatin/go-vr/pkg/membership"
    obsmetrics "github.com/amirimatin/go-vr/pkg/observability/metrics"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
    // NodeID is the unique node identifier.
    NodeID string

    // Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
    Bind string

    // Advertise is the advertised address (host:port) that peers will use to reach this node.
    // If empty, memberlist derives it from Bind.
    Advertise string

    // Meta is optional metadata associated with the node.
    Meta map[string]string

    // Records, when set, is gossiped on push/pull sync and receives records
    // learned from peers.
    Records base.Records

    // RetransmitMult scales how often a broadcast record is retransmitted
    // (default 3).
    RetransmitMult int

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

// impl implements base.Membership using HashiCorp memberlist.
type impl struct {
    mu     sync.RWMutex
    opts   Options
    ml     *memberlist.Memberlist
    evts   chan base.Event
    queue  *memberlist.TransmitLimitedQueue
    // live mirrors ml for the broadcast queue, which runs on memberlist's
    // goroutines and must not take mu.
    live   atomic.Pointer[memberlist.Memberlist]
    closed bool
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("memberlist: empty NodeID")
    }
    if opts.Bind == "" {
        return nil, fmt.Errorf("memberlist: empty Bind address")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    if opts.RetransmitMult <= 0 {
        opts.RetransmitMult = 3
    }
    m := &impl{
        opts: opts,
        evts: make(chan base.Event, 64),
    }
    m.queue = &memberlist.TransmitLimitedQueue{NumNodes: m.numNodes, RetransmitMult: opts.RetransmitMult}
    return m, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil {
        return nil
    }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    host, portStr, err := net.SplitHostPort(m.opts.Bind)
    if err != nil {
        return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err)
    }
    port, err := parsePort(portStr)
    if err != nil {
        return err
    }
    cfg.BindAddr = host
    cfg.BindPort = port

    if m.opts.Advertise != "" {
        ahost, aportStr, err := net.SplitHostPort(m.opts.Advertise)
        if err != nil {
            return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err)
        }
        aport, err := parsePort(aportStr)
        if err != nil {
            return err
        }
        cfg.AdvertiseAddr = ahost
        cfg.AdvertisePort = aport
    }

    if m.opts.ProbeInterval > 0 {
        cfg.ProbeInterval = m.opts.ProbeInterval
    }
    if m.opts.ProbeTimeout > 0 {
        cfg.ProbeTimeout = m.opts.ProbeTimeout
    }
    if m.opts.SuspicionMult > 0 {
        cfg.SuspicionMult = m.opts.SuspicionMult
    }

    cfg.Events = &eventDelegate{emit: m.emit}
    // Node meta carries the mgmt/raft addresses; records ride on the
    // delegate's broadcast and push/pull hooks.
    metaBytes, _ := json.Marshal(m.opts.Meta)
    cfg.Delegate = &nodeDelegate{meta: metaBytes, records: m.opts.Records, queue: m.queue, log: m.opts.Logger}
    cfg.LogOutput = m.opts.Logger.Writer()

    // Create memberlist
    ml, err := memberlist.Create(cfg)
    if err != nil {
        return err
    }
    m.ml = ml
    m.live.Store(ml)

    // Close events channel when context is done or on Stop().
    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()

    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil {
        return fmt.Errorf("memberlist: not started")
    }
    if len(seeds) == 0 {
        return nil
    }
    _, err := ml.Join(seeds)
    return err
}

func (m *impl) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil {
        return base.MemberInfo{}
    }
    info := memberInfo(m.ml.LocalNode())
    if len(info.Meta) == 0 && m.opts.Meta != nil {
        info.Meta = m.opts.Meta
    }
    return info
}

func (m *impl) Members() []base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil {
        return nil
    }
    nodes := m.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes {
        out = append(out, memberInfo(n))
    }
    obsmetrics.Members.Set(float64(len(out)))
    return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

func (m *impl) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil {
        return nil
    }
    // best-effort: leave and give some time to broadcast
    if err := ml.Leave(time.Second); err != nil {
        logutil.Warnf(m.opts.Logger, "memberlist: leave: %v", err)
    }
    return nil
}

func (m *impl) numNodes() int {
    ml := m.live.Load()
    if ml == nil { return 1 }
    return ml.NumMembers()
}

func (m *impl) Stop() error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed {
        return nil
    }
    m.closed = true
    if m.ml != nil {
        m.live.Store(nil)
        _ = m.ml.Shutdown()
        m.ml = nil
    }
    m.queue.Reset()
    close(m.evts)
    return nil
}

// HealthScore exposes memberlist's awareness score if available.
// Implements membership.HealthReporter.
func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil {
        return -1
    }
    return m.ml.GetHealthScore()
}

// eventDelegate adapts memberlist events to base.Event.
type eventDelegate struct{
    emit func(e base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    if d.emit == nil || n == nil { return }
    d.emit(base.Event{Type: base.EventJoin, Member: memberInfo(n), At: time.Now()})
}

// NotifyLeave maps both explicit leave and failure to EventLeave;
// memberlist does not tell them apart here.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    if d.emit == nil || n == nil { return }
    d.emit(base.Event{Type: base.EventLeave, Member: memberInfo(n), At: time.Now()})
}

// NotifyUpdate is a meta change; it is reported as a join.
func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
    if d.emit == nil || n == nil { return }
    d.emit(base.Event{Type: base.EventJoin, Member: memberInfo(n), At: time.Now()})
}

func memberInfo(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func (m *impl) emit(e base.Event) {
    defer func(){ recover() }()
    select {
    case m.evts <- e:
    default:
        logutil.Warnf(m.opts.Logger, "memberlist: dropping event %v: channel full", e.Type)
    }
}

func parsePort(s string) (int, error) {
    p, err := strconv.Atoi(s)
    if err != nil || p < 0 || p > 65535 {
        return 0, fmt.Errorf("memberlist: invalid port %q", s)
    }
    return p, nil
}

// Ensure interface compliance.
var _ base.Membership = (*impl)(nil)
var _ base.HealthReporter = (*impl)(nil)
var _ base.RecordGossip = (*impl)(nil)
