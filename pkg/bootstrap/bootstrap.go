package bootstrap

import (
    "context"
    "log"
    "net"
    "time"

    "github.com/amirimatin/go-vr/pkg/discovery"
    dFile "github.com/amirimatin/go-vr/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-vr/pkg/discovery/static"
    consraft "github.com/amirimatin/go-vr/pkg/consensus/raft"
    base "github.com/amirimatin/go-vr/pkg/membership"
    "github.com/amirimatin/go-vr/pkg/internal/logutil"
    ml "github.com/amirimatin/go-vr/pkg/membership/memberlist"
    "github.com/amirimatin/go-vr/pkg/node"
    "github.com/amirimatin/go-vr/pkg/state/namespaces"
    "github.com/amirimatin/go-vr/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-vr/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-vr/pkg/transport/httpjson"
)

// Build assembles a node.Node from Config without starting it. The
// namespace registry is shared by the raft FSM, the gossip delegate and
// the node.
func Build(cfg Config) (*node.Node, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    cfg.applyDefaults()
    if err := cfg.validate(); err != nil { return nil, err }
    tick, _ := parseDur("tick_interval", cfg.TickInterval)
    applyTimeout, _ := parseDur("apply_timeout", cfg.ApplyTimeout)
    refresh, _ := parseDur("discovery.refresh", cfg.Discovery.Refresh)

    // Discovery backend
    var disc discovery.Discovery
    switch cfg.Discovery.Kind {
    case "file":
        opts := dFile.Options{Path: cfg.Discovery.FilePath, Env: cfg.Discovery.FileEnv}
        if refresh > 0 { opts.Refresh = refresh }
        // Explicit seeds still apply next to the file.
        disc = discovery.Chain(dFile.New(opts), dStatic.New(cfg.Discovery.Seeds...))
    default:
        disc = dStatic.New(cfg.Discovery.Seeds...)
    }

    reg := namespaces.New()

    // Consensus (Raft)
    cons, err := consraft.New(consraft.Options{
        NodeID:       cfg.NodeID,
        Logger:       cfg.Logger,
        State:        reg,
        BindAddr:     cfg.RaftAddr,
        DataDir:      cfg.DataDir,
        Bootstrap:    cfg.Bootstrap,
        ApplyTimeout: applyTimeout,
    })
    if err != nil { return nil, err }

    // Membership (memberlist). Management and raft addresses travel as
    // metadata so peers can reach the leader.
    memMeta := map[string]string{}
    if cfg.MgmtAddr != "" { memMeta[base.MetaMgmt] = advertised(cfg.MgmtAddr, cfg.MemAdv) }
    if cfg.RaftAddr != "" { memMeta[base.MetaRaft] = advertised(cfg.RaftAddr, cfg.MemAdv) }
    mem, err := ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: cfg.Logger, Meta: memMeta, Records: reg})
    if err != nil { return nil, err }

    // Management API
    var srv transport.RPCServer
    var cli transport.RPCClient
    switch cfg.MgmtProto {
    case "grpc":
        srv, cli = mgmtgrpc.NewServer(cfg.MgmtAddr), mgmtgrpc.NewClient(3*time.Second)
    default:
        srv, cli = httpjson.NewServer(cfg.MgmtAddr, cfg.Logger), httpjson.NewClient(3*time.Second)
    }

    return node.New(node.Options{
        NodeID:         cfg.NodeID,
        RaftAddr:       advertised(cfg.RaftAddr, cfg.MemAdv),
        Discovery:      disc,
        Logger:         cfg.Logger,
        Registry:       reg,
        Consensus:      cons,
        Membership:     mem,
        RPCServer:      srv,
        RPCClient:      cli,
        NewMachine:     cfg.NewMachine,
        TickInterval:   tick,
        Mailbox:        cfg.Mailbox,
        ApplyTimeout:   applyTimeout,
        OnLeaderChange: cfg.OnLeaderChange,
    })
}

// Run builds and starts the node, returning the instance for lifecycle
// control. Unless bootstrapping, the node asks the registry leader to
// admit it as a voter once gossip has found one. The caller is
// responsible for calling Close() when finished.
func Run(ctx context.Context, cfg Config) (*node.Node, error) {
    n, err := Build(cfg)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil {
        _ = n.Close()
        return nil, err
    }
    if !cfg.Bootstrap {
        go joinLoop(ctx, n, cfg.Logger)
    }
    return n, nil
}

// joinLoop retries joining the registry through the management endpoint
// of any gossip peer until it succeeds or ctx is done.
func joinLoop(ctx context.Context, n *node.Node, logger *log.Logger) {
    t := time.NewTicker(time.Second)
    defer t.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-t.C:
        }
        st, err := n.Status(ctx)
        if err != nil { continue }
        for _, m := range st.Members {
            mgmt := m.Meta[base.MetaMgmt]
            if m.ID == st.Node.Name || mgmt == "" { continue }
            if err := n.Join(ctx, mgmt); err != nil {
                logutil.Debugf(logger, "join via %s: %v", mgmt, err)
                continue
            }
            return
        }
    }
}

// advertised fills an empty or wildcard host in addr from adv, falling
// back to loopback.
func advertised(addr, adv string) string {
    host, port, err := net.SplitHostPort(addr)
    if err != nil { return addr }
    if host != "" && host != "0.0.0.0" && host != "::" { return addr }
    host = "127.0.0.1"
    if h, _, err := net.SplitHostPort(adv); err == nil && h != "" { host = h }
    return net.JoinHostPort(host, port)
}
