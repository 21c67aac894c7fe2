package grpc

import (
    "context"
    "errors"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-vr/pkg/transport"
)

// Client calls the management service of other nodes over pooled gRPC
// connections.
type Client struct {
    timeout time.Duration
    cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    c := &Client{timeout: timeout}
    c.cm = NewConnManager(30*time.Second, c.dialCtx)
    return c
}

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithTransportCredentials(insecure.NewCredentials()),
        grpc.WithBlock(),
    }
    return grpc.DialContext(ctx, target, opts...)
}

// invoke runs one unary call on a pooled connection.
func (c *Client) invoke(ctx context.Context, addr, method string, in, out interface{}) error {
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    cc, rel, err := c.cm.Get(cctx, addr)
    if err != nil { return err }
    defer rel()
    return cc.Invoke(cctx, "/"+serviceName+"/"+method, in, out)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    out := new(statusBlob)
    if err := c.invoke(ctx, addr, "GetStatus", &empty{}, out); err != nil { return nil, err }
    return out.Data, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    var resp transport.JoinResponse
    if err := c.invoke(ctx, addr, "Join", &req, &resp); err != nil { return resp, err }
    if !resp.Accepted && resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var resp transport.LeaveResponse
    if err := c.invoke(ctx, addr, "Leave", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

func (c *Client) GetReplicaState(ctx context.Context, addr string, req transport.ReplicaStateRequest) (transport.ReplicaStateResponse, error) {
    var resp transport.ReplicaStateResponse
    if err := c.invoke(ctx, addr, "ReplicaState", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

func (c *Client) PostNamespace(ctx context.Context, addr string, req transport.NamespaceRequest) (transport.NamespaceResponse, error) {
    var resp transport.NamespaceResponse
    if err := c.invoke(ctx, addr, "Namespace", &req, &resp); err != nil { return resp, err }
    if resp.Error != "" { return resp, errors.New(resp.Error) }
    return resp, nil
}

// Close releases pooled connections.
func (c *Client) Close() { c.cm.Close() }

var _ transport.RPCClient = (*Client)(nil)
