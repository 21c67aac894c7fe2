package node

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-vr/pkg/consensus"
    raftcons "github.com/amirimatin/go-vr/pkg/consensus/raft"
    "github.com/amirimatin/go-vr/pkg/discovery/static"
    "github.com/amirimatin/go-vr/pkg/membership/memberlist"
    "github.com/amirimatin/go-vr/pkg/msg"
    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/state/namespaces"
    "github.com/amirimatin/go-vr/pkg/transport"
    "github.com/amirimatin/go-vr/pkg/transport/httpjson"
    "github.com/amirimatin/go-vr/pkg/vr"
)

func local(name string) process.Pid {
    return process.Pid{Name: name, Group: "ns1", Node: process.NodeID{Name: "n1"}}
}

func remote(name string) process.Pid {
    return process.Pid{Name: name, Group: "ns1", Node: process.NodeID{Name: "n2", Addr: "127.0.0.1:1"}}
}

// startNode runs a single bootstrapped node with in-memory raft, loopback
// gossip and an HTTP management endpoint.
func startNode(t *testing.T, tick time.Duration) *Node {
    t.Helper()
    logger := log.Default()
    reg := namespaces.New()
    cons, err := raftcons.New(raftcons.Options{NodeID: "n1", Logger: logger, State: reg, Bootstrap: true, ApplyTimeout: 2 * time.Second})
    require.NoError(t, err)
    mem, err := memberlist.New(memberlist.Options{NodeID: "n1", Bind: "127.0.0.1:0", Logger: logger, Records: reg, ProbeInterval: 100 * time.Millisecond})
    require.NoError(t, err)
    n, err := New(Options{
        NodeID:       "n1",
        Discovery:    static.New(),
        Logger:       logger,
        Registry:     reg,
        Consensus:    cons,
        Membership:   mem,
        RPCServer:    httpjson.NewServer("127.0.0.1:0", logger),
        RPCClient:    httpjson.NewClient(2 * time.Second),
        TickInterval: tick,
    })
    require.NoError(t, err)
    ctx, cancel := context.WithCancel(context.Background())
    require.NoError(t, n.Start(ctx))
    t.Cleanup(func() {
        _ = n.Stop(context.Background())
        cancel()
    })
    require.Eventually(t, cons.IsLeader, 5*time.Second, 20*time.Millisecond, "node did not become leader")
    return n
}

func idleState(t *testing.T, n *Node, pid process.Pid) IdleState {
    t.Helper()
    st, err := queryIdle(n, pid)
    require.NoError(t, err)
    return st
}

// queryIdle is safe to call from assert.Eventually conditions.
func queryIdle(n *Node, pid process.Pid) (IdleState, error) {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    sum, err := n.ReplicaState(ctx, pid)
    if err != nil { return IdleState{}, err }
    st, ok := sum.Ctx.(IdleState)
    if !ok || sum.State != "idle" { return IdleState{}, fmt.Errorf("unexpected summary %s %T", sum.State, sum.Ctx) }
    return st, nil
}

func TestNode_NamespaceAndReplicaLifecycle(t *testing.T) {
    n := startNode(t, 0)
    ctx := context.Background()
    events := n.Subscribe(ctx)

    rec, err := n.CreateNamespace(ctx, "ns1", []process.Pid{local("r1"), local("r2"), remote("r3")})
    require.NoError(t, err)
    assert.Equal(t, uint64(1), rec.Epoch)
    assert.Equal(t, uint64(0), rec.Op)

    require.NoError(t, n.StartReplica(ctx, local("r1")))
    assert.Equal(t, []process.Pid{local("r1")}, n.Replicas())
    st := idleState(t, n, local("r1"))
    assert.Equal(t, uint64(1), st.Epoch)
    assert.Equal(t, uint64(1), st.Ticks, "init delivers one tick")

    rec2, err := n.Reconfigure(ctx, "ns1", 5, []process.Pid{local("r1"), remote("r3")})
    require.NoError(t, err)
    assert.Equal(t, uint64(2), rec2.Epoch)
    assert.Eventually(t, func() bool { st, err := queryIdle(n, local("r1")); return err == nil && st.Epoch == 2 }, 2*time.Second, 20*time.Millisecond)

    got, ok := n.Namespace("ns1")
    require.True(t, ok)
    assert.True(t, got.Equal(rec2))

    seen := map[EventType]bool{}
    deadline := time.After(2 * time.Second)
    for !(seen[EventNamespaceChanged] && seen[EventReplicaStarted]) {
        select {
        case ev := <-events:
            seen[ev.Type] = true
        case <-deadline:
            t.Fatalf("missing events: %v", seen)
        }
    }

    require.NoError(t, n.StopReplica(local("r1")))
    assert.ErrorIs(t, n.StopReplica(local("r1")), ErrNotHosted)
    _, err = n.ReplicaState(ctx, local("r1"))
    assert.ErrorIs(t, err, ErrNotHosted)
}

func TestNode_StartReplicaErrors(t *testing.T) {
    n := startNode(t, 0)
    ctx := context.Background()

    assert.ErrorIs(t, n.StartReplica(ctx, local("r1")), ErrUnknownNamespace)
    _, err := n.CreateNamespace(ctx, "ns1", []process.Pid{local("r1"), remote("r3")})
    require.NoError(t, err)
    assert.ErrorIs(t, n.StartReplica(ctx, remote("r3")), ErrNotLocal)
    assert.ErrorIs(t, n.StartReplica(ctx, local("r9")), ErrNotMember)

    _, err = n.Reconfigure(ctx, "ns1", 0, []process.Pid{local("r1")})
    require.NoError(t, err)
    _, err = n.Reconfigure(ctx, "missing", 1, []process.Pid{local("r1")})
    assert.ErrorIs(t, err, ErrUnknownNamespace)
}

func TestNode_TicksReachReplicas(t *testing.T) {
    n := startNode(t, 10*time.Millisecond)
    ctx := context.Background()
    _, err := n.CreateNamespace(ctx, "ns1", []process.Pid{local("r1")})
    require.NoError(t, err)
    require.NoError(t, n.StartReplica(ctx, local("r1")))
    assert.Eventually(t, func() bool { st, err := queryIdle(n, local("r1")); return err == nil && st.Ticks > 3 }, 3*time.Second, 20*time.Millisecond)
}

func TestNode_ManagementEndpoint(t *testing.T) {
    n := startNode(t, 0)
    ctx := context.Background()
    _, err := n.CreateNamespace(ctx, "ns1", []process.Pid{local("r1")})
    require.NoError(t, err)
    require.NoError(t, n.StartReplica(ctx, local("r1")))

    c := httpjson.NewClient(2 * time.Second)
    addr := n.Self().Addr
    require.NotEmpty(t, addr)

    data, err := c.GetStatus(ctx, addr)
    require.NoError(t, err)
    var st Status
    require.NoError(t, json.Unmarshal(data, &st))
    assert.True(t, st.Healthy)
    assert.Equal(t, "n1", st.LeaderID)
    assert.Equal(t, addr, st.LeaderAddr)
    assert.Contains(t, st.Namespaces, "ns1")
    assert.Equal(t, []process.Pid{local("r1")}, st.Replicas)

    resp, err := c.PostNamespace(ctx, addr, transport.NamespaceRequest{Op: transport.NamespaceGet, Namespace: "ns1"})
    require.NoError(t, err)
    require.NotNil(t, resp.Record)
    assert.Equal(t, uint64(1), resp.Record.Epoch)

    _, err = c.PostNamespace(ctx, addr, transport.NamespaceRequest{Op: transport.NamespaceGet, Namespace: "nope"})
    assert.ErrorIs(t, wireErr(err), ErrUnknownNamespace)
    _, err = c.PostNamespace(ctx, addr, transport.NamespaceRequest{Op: transport.NamespaceCreate, Namespace: "ns1", Replicas: []process.Pid{local("r1")}})
    assert.ErrorIs(t, wireErr(err), namespaces.ErrExists)
    _, err = c.PostNamespace(ctx, addr, transport.NamespaceRequest{Op: transport.NamespaceReconfigure, Namespace: "nope", Replicas: []process.Pid{local("r1")}})
    assert.ErrorIs(t, wireErr(err), ErrUnknownNamespace)

    rs, err := c.GetReplicaState(ctx, addr, transport.ReplicaStateRequest{Pid: local("r1")})
    require.NoError(t, err)
    assert.Equal(t, "idle", rs.State)
    var idle IdleState
    require.NoError(t, json.Unmarshal(rs.Ctx, &idle))
    assert.Equal(t, uint64(1), idle.Epoch)
}

func TestNode_StrayMessageDoesNotWedgeStop(t *testing.T) {
    n := startNode(t, 0)
    ctx := context.Background()
    _, err := n.CreateNamespace(ctx, "ns1", []process.Pid{local("r1"), local("r2")})
    require.NoError(t, err)
    require.NoError(t, n.StartReplica(ctx, local("r1")))
    require.NoError(t, n.StartReplica(ctx, local("r2")))

    // r1 does not understand Timeout and answers r2 with a diagnostic.
    exec := n.exec.Load()
    require.NoError(t, exec.Send(process.Envelope[msg.Msg]{To: local("r1"), From: local("r2"), Msg: msg.Timeout{}}))
    st := idleState(t, n, local("r2"))
    assert.Equal(t, uint64(1), st.Epoch)

    stopped := make(chan error, 1)
    go func() { stopped <- n.Stop(context.Background()) }()
    select {
    case err := <-stopped:
        assert.NoError(t, err)
    case <-time.After(5 * time.Second):
        t.Fatalf("Stop did not return")
    }
}

// leaderStub is a consensus engine that always leads and answers Apply
// with a fixed response.
type leaderStub struct {
    consensus.Consensus
    resp  interface{}
    err   error
    calls int
}

func (s *leaderStub) IsLeader() bool { return true }

func (s *leaderStub) Apply(consensus.Command, time.Duration) (interface{}, error) {
    s.calls++
    return s.resp, s.err
}

func TestNode_WriteReturnsCommittedRecord(t *testing.T) {
    reg := namespaces.New()
    _, err := reg.ApplyCreate("ns1", []process.Pid{local("r1")})
    require.NoError(t, err)
    mem, err := memberlist.New(memberlist.Options{NodeID: "n1", Bind: "127.0.0.1:0", Logger: log.Default(), Records: reg})
    require.NoError(t, err)
    stub := &leaderStub{}
    n, err := New(Options{NodeID: "n1", Discovery: static.New(), Logger: log.Default(), Registry: reg, Consensus: stub, Membership: mem})
    require.NoError(t, err)
    ctx := context.Background()

    // The record handed back is the one the log produced, not a re-read.
    committed := vr.VersionedReplicas{Epoch: 7, Op: 3, Replicas: []process.Pid{local("r2")}}
    stub.resp = committed
    rec, err := n.Reconfigure(ctx, "ns1", 3, []process.Pid{local("r2")})
    require.NoError(t, err)
    assert.True(t, rec.Equal(committed))

    stub.resp, stub.err, stub.calls = nil, fmt.Errorf("%w: raced", namespaces.ErrStaleEpoch), 0
    _, err = n.Reconfigure(ctx, "ns1", 4, []process.Pid{local("r1")})
    assert.ErrorIs(t, err, namespaces.ErrStaleEpoch)
    assert.Equal(t, writeAttempts, stub.calls)

    stub.err, stub.calls = raftcons.ErrNotLeader, 0
    _, err = n.CreateNamespace(ctx, "ns2", []process.Pid{local("r1")})
    assert.ErrorIs(t, err, ErrNotLeader)
    assert.Equal(t, 1, stub.calls)

    stub.err, stub.calls = nil, 0
    _, err = n.Reconfigure(ctx, "ns1", 0, []process.Pid{local("r1"), local("r1")})
    assert.ErrorIs(t, err, vr.ErrDuplicateReplica)
    assert.Zero(t, stub.calls, "invalid successors never reach the log")
}

func TestWireErr_RestoresSentinels(t *testing.T) {
    for _, want := range wireSentinels {
        got := errors.New(fmt.Errorf("%w: detail", want).Error())
        assert.ErrorIs(t, wireErr(got), want, got.Error())
    }
    other := errors.New("boom")
    assert.Same(t, other, wireErr(other))
    assert.NoError(t, wireErr(nil))
}

func TestOptions_Validate(t *testing.T) {
    base := Options{NodeID: "n1", Discovery: static.New(), Logger: log.Default(), Registry: namespaces.New()}
    _, err := New(base)
    assert.Error(t, err, "membership is required")

    bad := base
    bad.NodeID = ""
    assert.Error(t, bad.Validate())
    bad = base
    bad.TickInterval = -time.Second
    assert.Error(t, bad.Validate())
}
