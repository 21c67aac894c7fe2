package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-vr/pkg/bootstrap"
    "github.com/amirimatin/go-vr/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-vr/pkg/observability/tracing"
    "github.com/amirimatin/go-vr/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-vr/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-vr/pkg/transport/httpjson"
)

// AddAll attaches the node subcommands to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewJoinCmd())
    root.AddCommand(NewLeaveCmd())
    root.AddCommand(NewReplicaStateCmd())
    root.AddCommand(NewNamespaceCmd())
}

// NewRunCmd returns the "run" command used to start a node. Flags that
// are set explicitly override values read from --config.
func NewRunCmd() *cobra.Command {
    var (
        cfgPath                         string
        flagCfg                         bootstrap.Config
        seeds                           []string
        tick, applyTimeout, discRefresh time.Duration
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a node hosting VR replicas",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg := bootstrap.Config{}
            if cfgPath != "" {
                var err error
                if cfg, err = bootstrap.LoadConfig(cfgPath); err != nil { return err }
            }
            overrideFlags(cmd, &cfg, flagCfg, seeds, tick, applyTimeout, discRefresh)
            if cfg.NodeID == "" { return fmt.Errorf("missing --id") }
            cfg.Logger = log.Default()

            ctx, cancel := signalContext()
            defer cancel()

            if cfg.Trace {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    logutil.Warnf(cfg.Logger, "tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            n, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer n.Close()

            fmt.Println("node running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&cfgPath, "config", "", "YAML config file; explicit flags override it")
    f.StringVar(&flagCfg.NodeID, "id", "", "node id (required)")
    f.StringVar(&flagCfg.RaftAddr, "raft-addr", "127.0.0.1:9520", "raft bind addr (tcp)")
    f.StringVar(&flagCfg.MemBind, "mem-bind", ":7946", "membership bind addr (host:port)")
    f.StringVar(&flagCfg.MemAdv, "mem-adv", "", "membership advertise addr (host:port, optional)")
    f.StringSliceVar(&seeds, "join", nil, "comma-separated seed nodes (host:port), used by discovery=static")
    f.StringVar(&flagCfg.MgmtAddr, "mgmt-addr", ":17946", "management address (tcp), separate from membership port")
    f.StringVar(&flagCfg.MgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    f.StringVar(&flagCfg.Discovery.Kind, "discovery", "static", "discovery backend: static|file")
    f.DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    f.StringVar(&flagCfg.Discovery.FilePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
    f.StringVar(&flagCfg.Discovery.FileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
    f.BoolVar(&flagCfg.Trace, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    f.BoolVar(&flagCfg.Bootstrap, "bootstrap", false, "bootstrap single-node raft (development)")
    f.StringVar(&flagCfg.DataDir, "data", "", "raft data dir (snapshots)")
    f.DurationVar(&tick, "tick", 100*time.Millisecond, "interval between replica ticks (0 disables)")
    f.DurationVar(&applyTimeout, "apply-timeout", 3*time.Second, "registry write timeout")
    f.IntVar(&flagCfg.Mailbox, "mailbox", 1024, "executor mailbox size")
    return cmd
}

// overrideFlags copies flag values into cfg. Without a config file every
// flag applies, defaults included.
func overrideFlags(cmd *cobra.Command, cfg *bootstrap.Config, fc bootstrap.Config, seeds []string, tick, applyTimeout, refresh time.Duration) {
    fromFile := cmd.Flags().Changed("config")
    set := func(name string) bool { return !fromFile || cmd.Flags().Changed(name) }
    if set("id") { cfg.NodeID = fc.NodeID }
    if set("raft-addr") { cfg.RaftAddr = fc.RaftAddr }
    if set("mem-bind") { cfg.MemBind = fc.MemBind }
    if set("mem-adv") { cfg.MemAdv = fc.MemAdv }
    if set("join") { cfg.Discovery.Seeds = seeds }
    if set("mgmt-addr") { cfg.MgmtAddr = fc.MgmtAddr }
    if set("mgmt-proto") { cfg.MgmtProto = fc.MgmtProto }
    if set("discovery") { cfg.Discovery.Kind = fc.Discovery.Kind }
    if set("disc-refresh") { cfg.Discovery.Refresh = refresh.String() }
    if set("file-path") { cfg.Discovery.FilePath = fc.Discovery.FilePath }
    if set("file-env") { cfg.Discovery.FileEnv = fc.Discovery.FileEnv }
    if set("trace") { cfg.Trace = fc.Trace }
    if set("bootstrap") { cfg.Bootstrap = fc.Bootstrap }
    if set("data") { cfg.DataDir = fc.DataDir }
    if set("tick") { cfg.TickInterval = tick.String() }
    if set("apply-timeout") { cfg.ApplyTimeout = applyTimeout.String() }
    if set("mailbox") { cfg.Mailbox = fc.Mailbox }
}

// clientFlags are shared by every command talking to a running node.
type clientFlags struct {
    addr, proto string
    timeout     time.Duration
}

func (c *clientFlags) register(cmd *cobra.Command) {
    cmd.Flags().StringVar(&c.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
    cmd.Flags().StringVar(&c.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
}

func (c *clientFlags) client() transport.RPCClient {
    if c.proto == "grpc" { return mgmtgrpc.NewClient(c.timeout) }
    return httpjson.NewClient(c.timeout)
}

func (c *clientFlags) context() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), c.timeout)
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := cf.context()
            defer cancel()
            data, err := cf.client().GetStatus(ctx, cf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            out := cmd.OutOrStdout()
            out.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { out.Write([]byte("\n")) }
            return nil
        },
    }
    cf.register(cmd)
    return cmd
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
    var (
        cf           clientFlags
        id, raftAddr string
    )
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Request to add a node to the registry voters",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || raftAddr == "" { return fmt.Errorf("missing required flags: --id and --raft-addr") }
            ctx, cancel := cf.context()
            defer cancel()
            resp, err := cf.client().PostJoin(ctx, cf.addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
            if err != nil { return fmt.Errorf("join error: %w", err) }
            return printJSON(cmd, resp)
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
    cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "node raft address (host:port, required)")
    cf.register(cmd)
    return cmd
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
    var (
        cf clientFlags
        id string
    )
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Request to remove a node from the registry voters",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" { return fmt.Errorf("missing required flag: --id") }
            ctx, cancel := cf.context()
            defer cancel()
            resp, err := cf.client().PostLeave(ctx, cf.addr, transport.LeaveRequest{ID: id})
            if err != nil { return fmt.Errorf("leave error: %w", err) }
            return printJSON(cmd, resp)
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node id to remove (required)")
    cf.register(cmd)
    return cmd
}

// NewReplicaStateCmd returns the "replica-state" command.
func NewReplicaStateCmd() *cobra.Command {
    var (
        cf clientFlags
        ns string
    )
    cmd := &cobra.Command{
        Use:   "replica-state NAME@NODE[=ADDR]",
        Short: "Print the state summary of one replica",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            pid, err := ParsePid(ns, args[0])
            if err != nil { return err }
            ctx, cancel := cf.context()
            defer cancel()
            resp, err := cf.client().GetReplicaState(ctx, cf.addr, transport.ReplicaStateRequest{Pid: pid})
            if err != nil { return fmt.Errorf("replica state error: %w", err) }
            return printJSON(cmd, resp)
        },
    }
    cmd.Flags().StringVar(&ns, "namespace", "", "namespace (group) of the replica")
    cf.register(cmd)
    return cmd
}

// NewNamespaceCmd returns the "namespace" command with create, reconfigure
// and get subcommands.
func NewNamespaceCmd() *cobra.Command {
    parent := &cobra.Command{Use: "namespace", Short: "Manage namespace replica records"}
    parent.AddCommand(newNamespaceWriteCmd(transport.NamespaceCreate))
    parent.AddCommand(newNamespaceWriteCmd(transport.NamespaceReconfigure))

    var cf clientFlags
    get := &cobra.Command{
        Use:   "get NAMESPACE",
        Short: "Print the current record of a namespace",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := cf.context()
            defer cancel()
            resp, err := cf.client().PostNamespace(ctx, cf.addr, transport.NamespaceRequest{Op: transport.NamespaceGet, Namespace: args[0]})
            if err != nil { return fmt.Errorf("namespace error: %w", err) }
            return printJSON(cmd, resp.Record)
        },
    }
    cf.register(get)
    parent.AddCommand(get)
    return parent
}

func newNamespaceWriteCmd(op string) *cobra.Command {
    var (
        cf       clientFlags
        replicas []string
        at       uint64
    )
    cmd := &cobra.Command{
        Use:   op + " NAMESPACE",
        Short: op + " a namespace replica record",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            req := transport.NamespaceRequest{Op: op, Namespace: args[0], ReplicaOp: at}
            for _, r := range replicas {
                pid, err := ParsePid(args[0], r)
                if err != nil { return err }
                req.Replicas = append(req.Replicas, pid)
            }
            if len(req.Replicas) == 0 { return fmt.Errorf("missing --replica") }
            ctx, cancel := cf.context()
            defer cancel()
            resp, err := cf.client().PostNamespace(ctx, cf.addr, req)
            if err != nil { return fmt.Errorf("namespace error: %w", err) }
            return printJSON(cmd, resp.Record)
        },
    }
    cmd.Flags().StringSliceVar(&replicas, "replica", nil, "replica as NAME@NODE[=ADDR]; repeat or comma-separate")
    if op == transport.NamespaceReconfigure {
        cmd.Flags().Uint64Var(&at, "op", 0, "op number the new replica set takes effect at")
    }
    cf.register(cmd)
    return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
    enc := json.NewEncoder(cmd.OutOrStdout())
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
