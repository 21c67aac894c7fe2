package httpjson

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-vr/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-vr/pkg/observability/metrics"
    "github.com/amirimatin/go-vr/pkg/observability/tracing"
    "github.com/amirimatin/go-vr/pkg/transport"
)

// Server is a minimal HTTP server exposing the management API together
// with /metrics and /healthz. It is intended for intra-cluster calls and
// development tooling.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *http.Server
    logger *log.Logger
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// errorSetter lets handleJSON fill the Error field of any response type.
type errorSetter[Rsp any] func(rsp *Rsp, err error)

// handleJSON decodes a Req body and hands it to serveJSON.
func handleJSON[Req, Rsp any](method, span string, fn func(context.Context, Req) (Rsp, error), setErr errorSetter[Rsp]) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if fn == nil { http.Error(w, method+" not supported", http.StatusNotImplemented); return }
        var req Req
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        serveJSON(w, r, method, span, req, fn, setErr)
    }
}

// serveJSON runs fn inside a span and encodes its response. Handler errors
// are reported with status 500; the body still carries the error text.
func serveJSON[Req, Rsp any](w http.ResponseWriter, r *http.Request, method, span string, req Req, fn func(context.Context, Req) (Rsp, error), setErr errorSetter[Rsp]) {
    ctx, end := tracing.StartSpan(r.Context(), span)
    defer end()
    resp, err := fn(ctx, req)
    w.Header().Set("Content-Type", "application/json")
    if err != nil {
        obsmetrics.MgmtRequests.WithLabelValues(method, "error").Inc()
        setErr(&resp, err)
        w.WriteHeader(http.StatusInternalServerError)
        _ = json.NewEncoder(w).Encode(resp)
        return
    }
    obsmetrics.MgmtRequests.WithLabelValues(method, "ok").Inc()
    _ = json.NewEncoder(w).Encode(resp)
}

func setNamespaceErr(r *transport.NamespaceResponse, err error) { if r.Error == "" { r.Error = err.Error() } }

// Start launches the HTTP server and registers handlers backed by h. The
// server is shut down when the context is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    mux := http.NewServeMux()
    mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
        if h.Status == nil { http.Error(w, "status not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := h.Status(ctx)
        if err != nil {
            obsmetrics.MgmtRequests.WithLabelValues("status", "error").Inc()
            http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
            return
        }
        obsmetrics.MgmtRequests.WithLabelValues("status", "ok").Inc()
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("GET /metrics", promhttp.Handler())
    mux.HandleFunc("POST /join", handleJSON("join", "http.join", h.Join,
        func(r *transport.JoinResponse, err error) { r.Accepted = false; if r.Error == "" { r.Error = err.Error() } }))
    mux.HandleFunc("POST /leave", handleJSON("leave", "http.leave", h.Leave,
        func(r *transport.LeaveResponse, err error) { r.Accepted = false; if r.Error == "" { r.Error = err.Error() } }))
    mux.HandleFunc("POST /replica/state", handleJSON("replica_state", "http.replica_state", h.ReplicaState,
        func(r *transport.ReplicaStateResponse, err error) { if r.Error == "" { r.Error = err.Error() } }))
    mux.HandleFunc("POST /namespaces", handleJSON("namespace", "http.namespace", h.Namespace, setNamespaceErr))
    mux.HandleFunc("GET /namespaces/{name}", func(w http.ResponseWriter, r *http.Request) {
        if h.Namespace == nil { http.Error(w, "namespace not supported", http.StatusNotImplemented); return }
        req := transport.NamespaceRequest{Op: transport.NamespaceGet, Namespace: r.PathValue("name")}
        serveJSON(w, r, "namespace", "http.namespace", req, h.Namespace, setNamespaceErr)
    })

    s.srv = &http.Server{Addr: s.bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = ln

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}

var _ transport.RPCServer = (*Server)(nil)
