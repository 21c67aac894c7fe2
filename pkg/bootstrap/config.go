package bootstrap

import (
    "fmt"
    "log"
    "os"
    "time"

    "gopkg.in/yaml.v3"

    cns "github.com/amirimatin/go-vr/pkg/consensus"
    "github.com/amirimatin/go-vr/pkg/node"
)

// Config defines high-level inputs to assemble a node with sensible
// defaults. Applications embed a node by providing this structure and
// calling Build/Run. Durations are strings in Go duration syntax so the
// same struct reads from YAML.
type Config struct {
    // Identity and addresses
    NodeID   string `yaml:"node_id"`
    RaftAddr string `yaml:"raft_addr"` // e.g., ":9521" or "host:9521"
    MemBind  string `yaml:"mem_bind"`  // membership bind host:port
    MemAdv   string `yaml:"mem_adv"`   // optional advertise host:port

    // Management API (status/replica state/namespaces/metrics)
    MgmtAddr  string `yaml:"mgmt_addr"`  // host:port for management API (HTTP or gRPC)
    MgmtProto string `yaml:"mgmt_proto"` // "http" (default) or "grpc"

    Discovery DiscoveryConfig `yaml:"discovery"`

    // Persistence and bootstrap
    DataDir   string `yaml:"data_dir"`  // empty → in-memory
    Bootstrap bool   `yaml:"bootstrap"` // single-node bootstrap

    // Replica hosting
    TickInterval string `yaml:"tick_interval"` // e.g. "100ms"; empty disables ticks
    Mailbox      int    `yaml:"mailbox"`
    ApplyTimeout string `yaml:"apply_timeout"`

    // Trace enables the stdout OpenTelemetry exporter.
    Trace bool `yaml:"trace"`

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger `yaml:"-"`

    // NewMachine builds replica state machines (default node.NewIdleMachine).
    NewMachine node.MachineFactory `yaml:"-"`

    // Optional callbacks
    OnLeaderChange func(info cns.LeaderInfo) `yaml:"-"`
}

// DiscoveryConfig selects how membership seeds are found.
type DiscoveryConfig struct {
    Kind     string   `yaml:"kind"`  // "static" (default) or "file"
    Seeds    []string `yaml:"seeds"` // always used; Kind=file adds the file seeds
    FilePath string   `yaml:"file_path"`
    FileEnv  string   `yaml:"file_env"`
    Refresh  string   `yaml:"refresh"`
}

// LoadConfig reads a YAML config file and fills defaults.
func LoadConfig(path string) (Config, error) {
    b, err := os.ReadFile(path)
    if err != nil { return Config{}, err }
    var c Config
    if err := yaml.Unmarshal(b, &c); err != nil {
        return Config{}, fmt.Errorf("bootstrap: parse %s: %w", path, err)
    }
    c.applyDefaults()
    return c, c.validate()
}

func (c *Config) applyDefaults() {
    if c.RaftAddr == "" { c.RaftAddr = "127.0.0.1:9520" }
    if c.MemBind == "" { c.MemBind = ":7946" }
    if c.MgmtAddr == "" { c.MgmtAddr = ":17946" }
    if c.MgmtProto == "" { c.MgmtProto = "http" }
    if c.Discovery.Kind == "" { c.Discovery.Kind = "static" }
}

// validate checks enumerations and that every duration parses.
func (c Config) validate() error {
    switch c.MgmtProto {
    case "", "http", "grpc":
    default:
        return fmt.Errorf("bootstrap: unknown mgmt_proto %q", c.MgmtProto)
    }
    switch c.Discovery.Kind {
    case "", "static", "file":
    default:
        return fmt.Errorf("bootstrap: unknown discovery kind %q", c.Discovery.Kind)
    }
    for name, v := range map[string]string{"tick_interval": c.TickInterval, "apply_timeout": c.ApplyTimeout, "discovery.refresh": c.Discovery.Refresh} {
        if _, err := parseDur(name, v); err != nil { return err }
    }
    return nil
}

// parseDur parses an optional duration; empty means zero.
func parseDur(name, v string) (time.Duration, error) {
    if v == "" { return 0, nil }
    d, err := time.ParseDuration(v)
    if err != nil { return 0, fmt.Errorf("bootstrap: %s: %w", name, err) }
    if d < 0 { return 0, fmt.Errorf("bootstrap: %s: negative duration", name) }
    return d, nil
}
