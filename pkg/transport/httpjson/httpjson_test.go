package httpjson

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "net/http"
    "strings"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    obsmetrics "github.com/amirimatin/go-vr/pkg/observability/metrics"
    "github.com/amirimatin/go-vr/pkg/process"
    "github.com/amirimatin/go-vr/pkg/transport"
    "github.com/amirimatin/go-vr/pkg/vr"
)

var r1 = process.Pid{Name: "r1", Group: "ns1", Node: process.NodeID{Name: "dev1", Addr: "127.0.0.1:1"}}

func startServer(t *testing.T, h transport.Handlers) string {
    t.Helper()
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    s := NewServer("127.0.0.1:0", nil)
    require.NoError(t, s.Start(ctx, h))
    return s.Addr()
}

func TestServer_ReplicaStateAndNamespaces(t *testing.T) {
    records := map[string]vr.VersionedReplicas{}
    addr := startServer(t, transport.Handlers{
        ReplicaState: func(ctx context.Context, req transport.ReplicaStateRequest) (transport.ReplicaStateResponse, error) {
            if req.Pid != r1 { return transport.ReplicaStateResponse{}, errors.New("unknown pid") }
            return transport.ReplicaStateResponse{State: "backup", Ctx: json.RawMessage(`{"op":4}`)}, nil
        },
        Namespace: func(ctx context.Context, req transport.NamespaceRequest) (transport.NamespaceResponse, error) {
            switch req.Op {
            case transport.NamespaceCreate:
                rec, err := vr.Bootstrap(req.Replicas)
                if err != nil { return transport.NamespaceResponse{}, err }
                records[req.Namespace] = rec
                return transport.NamespaceResponse{Record: &rec}, nil
            case transport.NamespaceGet:
                rec, ok := records[req.Namespace]
                if !ok { return transport.NamespaceResponse{}, errors.New("unknown namespace") }
                return transport.NamespaceResponse{Record: &rec}, nil
            }
            return transport.NamespaceResponse{}, errors.New("bad op")
        },
    })
    c := NewClient(2 * time.Second)
    ctx := context.Background()

    rs, err := c.GetReplicaState(ctx, addr, transport.ReplicaStateRequest{Pid: r1})
    require.NoError(t, err)
    assert.Equal(t, "backup", rs.State)
    assert.JSONEq(t, `{"op":4}`, string(rs.Ctx))

    _, err = c.GetReplicaState(ctx, addr, transport.ReplicaStateRequest{})
    assert.EqualError(t, err, "unknown pid")

    ns, err := c.PostNamespace(ctx, addr, transport.NamespaceRequest{Op: transport.NamespaceCreate, Namespace: "ns1", Replicas: []process.Pid{r1}})
    require.NoError(t, err)
    require.NotNil(t, ns.Record)
    assert.Equal(t, uint64(1), ns.Record.Epoch)

    // The GET form resolves through the same handler.
    resp, err := http.Get("http://" + addr + "/namespaces/ns1")
    require.NoError(t, err)
    defer resp.Body.Close()
    require.Equal(t, http.StatusOK, resp.StatusCode)
    var got transport.NamespaceResponse
    require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
    require.NotNil(t, got.Record)
    assert.True(t, got.Record.Equal(*ns.Record))

    _, err = c.PostNamespace(ctx, addr, transport.NamespaceRequest{Op: transport.NamespaceCreate, Namespace: "empty"})
    assert.ErrorContains(t, err, "empty")
}

func TestServer_HealthzMetricsAndUnsupported(t *testing.T) {
    obsmetrics.Register()
    addr := startServer(t, transport.Handlers{})

    resp, err := http.Get("http://" + addr + "/healthz")
    require.NoError(t, err)
    b, _ := io.ReadAll(resp.Body)
    resp.Body.Close()
    assert.Equal(t, "ok", string(b))

    resp, err = http.Get("http://" + addr + "/metrics")
    require.NoError(t, err)
    b, _ = io.ReadAll(resp.Body)
    resp.Body.Close()
    assert.True(t, strings.Contains(string(b), "go_vr_"), "metrics should expose go_vr_ series")

    c := NewClient(time.Second)
    _, err = c.PostJoin(context.Background(), addr, transport.JoinRequest{ID: "x"})
    assert.ErrorContains(t, err, "join not supported")
}
