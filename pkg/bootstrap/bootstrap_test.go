package bootstrap

import (
    "context"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-vr/pkg/process"
)

func writeConfig(t *testing.T, body string) string {
    t.Helper()
    p := filepath.Join(t.TempDir(), "node.yaml")
    require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
    return p
}

func TestLoadConfig_DefaultsAndFields(t *testing.T) {
    p := writeConfig(t, `
node_id: n1
mgmt_proto: grpc
bootstrap: true
tick_interval: 250ms
discovery:
  kind: static
  seeds: ["10.0.0.1:7946", "10.0.0.2:7946"]
`)
    cfg, err := LoadConfig(p)
    require.NoError(t, err)
    assert.Equal(t, "n1", cfg.NodeID)
    assert.Equal(t, "grpc", cfg.MgmtProto)
    assert.True(t, cfg.Bootstrap)
    assert.Equal(t, "127.0.0.1:9520", cfg.RaftAddr)
    assert.Equal(t, ":7946", cfg.MemBind)
    assert.Equal(t, ":17946", cfg.MgmtAddr)
    assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Discovery.Seeds)
    d, err := parseDur("tick_interval", cfg.TickInterval)
    require.NoError(t, err)
    assert.Equal(t, 250*time.Millisecond, d)
}

func TestLoadConfig_Rejects(t *testing.T) {
    for name, body := range map[string]string{
        "duration": "node_id: n1\ntick_interval: soon\n",
        "negative": "node_id: n1\napply_timeout: -1s\n",
        "proto":    "node_id: n1\nmgmt_proto: carrier-pigeon\n",
        "kind":     "node_id: n1\ndiscovery:\n  kind: dns\n",
        "yaml":     "node_id: [n1\n",
    } {
        t.Run(name, func(t *testing.T) {
            _, err := LoadConfig(writeConfig(t, body))
            assert.Error(t, err)
        })
    }
    _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
    assert.Error(t, err)
}

func TestAdvertised(t *testing.T) {
    assert.Equal(t, "10.1.1.1:9520", advertised("10.1.1.1:9520", "10.2.2.2:7946"))
    assert.Equal(t, "10.2.2.2:17946", advertised(":17946", "10.2.2.2:7946"))
    assert.Equal(t, "127.0.0.1:17946", advertised("0.0.0.0:17946", ""))
    assert.Equal(t, "garbage", advertised("garbage", ""))
}

func TestRun_SingleNode(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    n, err := Run(ctx, Config{
        NodeID:       "n1",
        RaftAddr:     "127.0.0.1:0",
        MemBind:      "127.0.0.1:0",
        MgmtAddr:     "127.0.0.1:0",
        Bootstrap:    true,
        TickInterval: "20ms",
    })
    require.NoError(t, err)
    defer n.Close()

    require.Eventually(t, func() bool {
        st, err := n.Status(ctx)
        return err == nil && st.Healthy && st.LeaderID == "n1"
    }, 5*time.Second, 50*time.Millisecond)

    pid := process.Pid{Name: "r1", Group: "orders", Node: process.NodeID{Name: "n1"}}
    rec, err := n.CreateNamespace(ctx, "orders", []process.Pid{pid})
    require.NoError(t, err)
    assert.Equal(t, uint64(1), rec.Epoch)
    require.NoError(t, n.StartReplica(ctx, pid))
    sum, err := n.ReplicaState(ctx, pid)
    require.NoError(t, err)
    assert.Equal(t, "idle", sum.State)
}
