package httpjson

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-vr/pkg/transport"
)

// Client is a thin HTTP client for the management API with a simple retry
// and backoff for robustness.
type Client struct {
    httpc   *http.Client
    retries int
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{httpc: &http.Client{Timeout: timeout}, retries: 3}
}

// do sends method/path to addr, retrying transport errors and 5xx answers
// with exponential backoff. A non-nil body is re-sent on every attempt.
func (c *Client) do(ctx context.Context, method, addr, path string, body []byte) ([]byte, int, error) {
    url := fmt.Sprintf("http://%s%s", addr, path)
    var lastErr error
    for attempt := 0; attempt < c.retries; attempt++ {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, url, rd)
        if err != nil { return nil, 0, err }
        if body != nil { req.Header.Set("Content-Type", "application/json") }
        resp, err := c.httpc.Do(req)
        if err == nil {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            if rerr == nil && resp.StatusCode < 500 { return b, resp.StatusCode, nil }
            if rerr != nil {
                lastErr = rerr
            } else {
                // 5xx from a handler carries a JSON error; return it as is.
                if json.Valid(b) { return b, resp.StatusCode, nil }
                lastErr = fmt.Errorf("%s status %d: %s", path, resp.StatusCode, bytes.TrimSpace(b))
            }
        } else {
            lastErr = err
        }
        select {
        case <-ctx.Done():
            return nil, 0, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return nil, 0, lastErr
}

// call posts req as JSON and decodes the response into out. Non-2xx
// answers become errors, preferring the error text in the body.
func call[Rsp any](c *Client, ctx context.Context, addr, path string, req interface{}) (Rsp, error) {
    var out Rsp
    body, err := json.Marshal(req)
    if err != nil { return out, err }
    b, code, err := c.do(ctx, http.MethodPost, addr, path, body)
    if err != nil { return out, err }
    return decode[Rsp](b, code, path)
}

func decode[Rsp any](b []byte, code int, path string) (Rsp, error) {
    var out Rsp
    if code == http.StatusOK {
        return out, json.Unmarshal(b, &out)
    }
    _ = json.Unmarshal(b, &out)
    var e struct{ Error string `json:"error"` }
    if json.Unmarshal(b, &e) == nil && e.Error != "" { return out, errors.New(e.Error) }
    return out, fmt.Errorf("%s status %d: %s", path, code, bytes.TrimSpace(b))
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    b, code, err := c.do(ctx, http.MethodGet, addr, "/status", nil)
    if err != nil { return nil, err }
    if code != http.StatusOK { return nil, fmt.Errorf("status %d: %s", code, bytes.TrimSpace(b)) }
    return b, nil
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
    return call[transport.JoinResponse](c, ctx, addr, "/join", req)
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    return call[transport.LeaveResponse](c, ctx, addr, "/leave", req)
}

func (c *Client) GetReplicaState(ctx context.Context, addr string, req transport.ReplicaStateRequest) (transport.ReplicaStateResponse, error) {
    return call[transport.ReplicaStateResponse](c, ctx, addr, "/replica/state", req)
}

func (c *Client) PostNamespace(ctx context.Context, addr string, req transport.NamespaceRequest) (transport.NamespaceResponse, error) {
    return call[transport.NamespaceResponse](c, ctx, addr, "/namespaces", req)
}

var _ transport.RPCClient = (*Client)(nil)
