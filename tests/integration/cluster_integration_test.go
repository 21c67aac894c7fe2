//go:build integration

package integration

import (
    "context"
    "encoding/json"
    "testing"
    "time"

    "github.com/amirimatin/go-vr/pkg/bootstrap"
    "github.com/amirimatin/go-vr/pkg/node"
    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/transport"
    httpjson "github.com/amirimatin/go-vr/pkg/transport/httpjson"
)

const (
    mgmt1 = "127.0.0.1:17946"
    mgmt2 = "127.0.0.1:18946"
    mgmt3 = "127.0.0.1:19946"
)

func TestThreeNodes_NamespaceReplicatesAndForwards(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()

    n1, n2, n3 := mustStartThreeNodes(t, ctx)
    defer n3.Close()
    defer n2.Close()
    defer n1.Close()
    cli := httpjson.NewClient(3 * time.Second)
    waitForVoters(t, ctx, cli)

    pids := []process.Pid{
        {Name: "r1", Group: "orders", Node: process.NodeID{Name: "n1", Addr: mgmt1}},
        {Name: "r2", Group: "orders", Node: process.NodeID{Name: "n2", Addr: mgmt2}},
        {Name: "r3", Group: "orders", Node: process.NodeID{Name: "n3", Addr: mgmt3}},
    }

    // A follower forwards the write to the leader.
    rec, err := n2.CreateNamespace(ctx, "orders", pids)
    if err != nil { t.Fatalf("create via follower: %v", err) }
    if rec.Epoch != 1 { t.Fatalf("epoch = %d, want 1", rec.Epoch) }
    waitForEpoch(t, ctx, cli, "orders", 1)

    for i, n := range []*node.Node{n1, n2, n3} {
        if err := n.StartReplica(ctx, pids[i]); err != nil { t.Fatalf("start %s: %v", pids[i], err) }
    }

    // n1 answers for a replica hosted on n3 through n3's management API.
    waitUntil(t, 10*time.Second, func() error {
        sum, err := n1.ReplicaState(ctx, pids[2])
        if err != nil { return err }
        if sum.State != "idle" { return errNotYet }
        return nil
    })

    if _, err := n3.Reconfigure(ctx, "orders", 42, pids[:2]); err != nil { t.Fatalf("reconfigure via follower: %v", err) }
    waitForEpoch(t, ctx, cli, "orders", 2)
    assertEpochHolds(t, "orders", 2, n1, n2, n3)

    // Hosted replicas learn the new record.
    waitUntil(t, 10*time.Second, func() error {
        sum, err := n2.ReplicaState(ctx, pids[1])
        if err != nil { return err }
        st, ok := sum.Ctx.(node.IdleState)
        if !ok || st.Epoch != 2 || st.Op != 42 { return errNotYet }
        return nil
    })
}

func TestLeaderChange_OnLeaderStopElectNewLeader(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
    defer cancel()

    n1, n2, n3 := mustStartThreeNodes(t, ctx)
    defer n3.Close()
    defer n2.Close()
    defer n1.Close()
    cli := httpjson.NewClient(3 * time.Second)
    waitForVoters(t, ctx, cli)

    pid := process.Pid{Name: "r2", Group: "ledger", Node: process.NodeID{Name: "n2"}}
    if _, err := n1.CreateNamespace(ctx, "ledger", []process.Pid{pid}); err != nil { t.Fatalf("create: %v", err) }
    waitForEpoch(t, ctx, cli, "ledger", 1)

    // Stop leader n1 to force re-election
    _ = n1.Close()

    waitUntil(t, 15*time.Second, func() error {
        s2, err := fetchStatus(ctx, cli, mgmt2)
        if err != nil { return err }
        if s2.LeaderID != "n2" && s2.LeaderID != "n3" { return errNotYet }
        return nil
    })

    // The registry survives the leader change and accepts new epochs. A
    // retry after a lost reply must not reconfigure twice.
    waitUntil(t, 10*time.Second, func() error {
        if rec, ok := n3.Namespace("ledger"); ok && rec.Epoch == 2 { return nil }
        _, err := n3.Reconfigure(ctx, "ledger", 1, []process.Pid{pid})
        return err
    })
    waitForEpochAt(t, ctx, cli, "ledger", 2, mgmt2, mgmt3)
    assertEpochHolds(t, "ledger", 2, n2, n3)
}

func TestLateJoiner_ReplaysLogWithoutBumpingEpoch(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()
    const (
        lateMgmt1 = "127.0.0.1:17956"
        lateMgmt2 = "127.0.0.1:17957"
    )
    cli := httpjson.NewClient(3 * time.Second)

    n1 := mustStart(t, ctx, "n1", "127.0.0.1:9531", "127.0.0.1:7956", lateMgmt1, nil, true)
    defer n1.Close()
    waitUntil(t, 10*time.Second, func() error {
        st, err := n1.Status(ctx)
        if err != nil { return err }
        if st.LeaderID != "n1" { return errNotYet }
        return nil
    })

    pids := []process.Pid{
        {Name: "r1", Group: "audit", Node: process.NodeID{Name: "n1", Addr: lateMgmt1}},
        {Name: "r2", Group: "audit", Node: process.NodeID{Name: "n2", Addr: lateMgmt2}},
    }
    if _, err := n1.CreateNamespace(ctx, "audit", pids[:1]); err != nil { t.Fatalf("create: %v", err) }
    if _, err := n1.Reconfigure(ctx, "audit", 10, pids); err != nil { t.Fatalf("reconfigure: %v", err) }
    rec, err := n1.Reconfigure(ctx, "audit", 20, pids[1:])
    if err != nil { t.Fatalf("reconfigure: %v", err) }
    if rec.Epoch != 3 { t.Fatalf("leader epoch = %d, want 3", rec.Epoch) }

    // n2 gossips with n1 before it joins raft and replays the whole log.
    n2 := mustStart(t, ctx, "n2", "127.0.0.1:9532", "127.0.0.1:7957", lateMgmt2, []string{"127.0.0.1:7956"}, false)
    defer n2.Close()
    waitUntil(t, 20*time.Second, func() error {
        s, err := fetchStatus(ctx, cli, lateMgmt2)
        if err != nil { return err }
        if !s.Healthy || s.LeaderID != "n1" { return errNotYet }
        return nil
    })
    waitForEpochAt(t, ctx, cli, "audit", 3, lateMgmt1, lateMgmt2)
    assertEpochHolds(t, "audit", 3, n1, n2)

    // The next write through the joiner lands exactly one epoch higher.
    rec, err = n2.Reconfigure(ctx, "audit", 30, pids)
    if err != nil { t.Fatalf("reconfigure via joiner: %v", err) }
    if rec.Epoch != 4 { t.Fatalf("epoch = %d, want 4", rec.Epoch) }
    waitForEpochAt(t, ctx, cli, "audit", 4, lateMgmt1, lateMgmt2)
    assertEpochHolds(t, "audit", 4, n1, n2)
}

func TestLeave_RemovesNodeAndConverges(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
    defer cancel()

    n1, n2, n3 := mustStartThreeNodes(t, ctx)
    defer n2.Close()
    defer n1.Close()
    cli := httpjson.NewClient(3 * time.Second)
    waitForVoters(t, ctx, cli)

    // Request removal of n3 from leader, then stop n3 to propagate membership leave
    leaveCtx, cancelLeave := context.WithTimeout(ctx, 5*time.Second)
    if _, err := cli.PostLeave(leaveCtx, mgmt1, transport.LeaveRequest{ID: "n3"}); err != nil {
        cancelLeave(); t.Fatalf("leave n3: %v", err)
    }
    cancelLeave()
    _ = n3.Close()

    waitUntil(t, 20*time.Second, func() error {
        s, err := fetchStatus(ctx, cli, mgmt1)
        if err != nil { return err }
        if len(s.Members) != 2 { return errNotYet }
        for _, m := range s.Members { if m.ID == "n3" { return errNotYet } }
        return nil
    })
}

// Helpers

func mustStart(t *testing.T, ctx context.Context, id, raft, mem, mgmt string, seeds []string, boot bool) *node.Node {
    t.Helper()
    n, err := bootstrap.Run(ctx, bootstrap.Config{
        NodeID:    id,
        RaftAddr:  raft,
        MemBind:   mem,
        MgmtAddr:  mgmt,
        Discovery: bootstrap.DiscoveryConfig{Kind: "static", Seeds: seeds},
        Bootstrap: boot,
    })
    if err != nil { t.Fatalf("%s: %v", id, err) }
    return n
}

func mustStartThreeNodes(t *testing.T, ctx context.Context) (n1, n2, n3 *node.Node) {
    t.Helper()
    n1 = mustStart(t, ctx, "n1", "127.0.0.1:9521", "127.0.0.1:7946", mgmt1, nil, true)
    // Let n1 win its single-node election before the others join.
    waitUntil(t, 10*time.Second, func() error {
        st, err := n1.Status(ctx)
        if err != nil { return err }
        if st.LeaderID != "n1" { return errNotYet }
        return nil
    })
    n2 = mustStart(t, ctx, "n2", "127.0.0.1:9522", "127.0.0.1:8946", mgmt2, []string{"127.0.0.1:7946"}, false)
    n3 = mustStart(t, ctx, "n3", "127.0.0.1:9523", "127.0.0.1:9946", mgmt3, []string{"127.0.0.1:7946"}, false)
    return n1, n2, n3
}

// waitForVoters waits until both followers joined the registry and see n1
// as leader.
func waitForVoters(t *testing.T, ctx context.Context, cli *httpjson.Client) {
    t.Helper()
    for _, addr := range []string{mgmt2, mgmt3} {
        waitUntil(t, 20*time.Second, func() error {
            s, err := fetchStatus(ctx, cli, addr)
            if err != nil { return err }
            if !s.Healthy || s.LeaderID != "n1" { return errNotYet }
            return nil
        })
    }
}

func waitForEpoch(t *testing.T, ctx context.Context, cli *httpjson.Client, ns string, epoch uint64) {
    t.Helper()
    waitForEpochAt(t, ctx, cli, ns, epoch, mgmt1, mgmt2, mgmt3)
}

func waitForEpochAt(t *testing.T, ctx context.Context, cli *httpjson.Client, ns string, epoch uint64, addrs ...string) {
    t.Helper()
    for _, addr := range addrs {
        waitUntil(t, 10*time.Second, func() error {
            resp, err := cli.PostNamespace(ctx, addr, transport.NamespaceRequest{Op: transport.NamespaceGet, Namespace: ns})
            if err != nil { return err }
            if resp.Record == nil || resp.Record.Epoch != epoch { return errNotYet }
            return nil
        })
    }
}

// assertEpochHolds checks, after gossip and log replay had time to settle,
// that every node still reports exactly epoch for ns.
func assertEpochHolds(t *testing.T, ns string, epoch uint64, nodes ...*node.Node) {
    t.Helper()
    time.Sleep(time.Second)
    for _, n := range nodes {
        rec, ok := n.Namespace(ns)
        if !ok || rec.Epoch != epoch {
            t.Fatalf("%s on %s: %+v, want epoch %d", ns, n.Self().Name, rec, epoch)
        }
    }
}

var errNotYet = &temporaryError{}
type temporaryError struct{}
func (e *temporaryError) Error() string { return "not yet" }

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    var last error
    for time.Now().Before(deadline) {
        if err := fn(); err == nil {
            return
        } else {
            last = err
        }
        time.Sleep(200 * time.Millisecond)
    }
    t.Fatalf("timeout waiting for condition: %v", last)
}

func fetchStatus(ctx context.Context, cli *httpjson.Client, addr string) (node.Status, error) {
    var s node.Status
    b, err := cli.GetStatus(ctx, addr)
    if err != nil { return s, err }
    if err := json.Unmarshal(b, &s); err != nil { return s, err }
    return s, nil
}
