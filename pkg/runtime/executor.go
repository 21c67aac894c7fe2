package runtime

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-vr/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-vr/pkg/observability/metrics"
    "github.com/amirimatin/go-vr/pkg/process"
)

var (
    ErrStopped      = errors.New("runtime: executor stopped")
    ErrUnknownPid   = errors.New("runtime: unknown pid")
    ErrDuplicatePid = errors.New("runtime: pid already hosted")
    ErrMailboxFull  = errors.New("runtime: mailbox full")
)

// Options configures an Executor.
type Options[M any] struct {
    // Pid is the executor's own identity. It is the sender of ticks and the
    // anchor of correlations created by Call.
    Pid process.Pid
    // Mailbox bounds the number of queued inbound envelopes (default 1024).
    Mailbox int
    // Outbound receives envelopes addressed to processes that are not hosted
    // here. When nil such envelopes are dropped.
    Outbound func(process.Envelope[M])
    // Diagnostic reports whether a message is a diagnostic reply. Such
    // replies complete a pending Call but are never handed to a process,
    // so two processes cannot answer each other's diagnostics forever.
    Diagnostic func(M) bool
    // MaxChain bounds how many local envelopes produced by one mailbox
    // entry run before the rest go back through the mailbox (default 256).
    MaxChain int
    Logger   *log.Logger
}

// Executor hosts processes on one node. A single dispatcher goroutine runs
// every Init and Handle to completion, one message at a time, so processes
// never see concurrent calls.
type Executor[M any] struct {
    opts Options[M]

    mu    sync.Mutex
    procs map[process.Pid]process.Process[M]
    calls map[string]chan process.Envelope[M]

    mailbox chan job[M]
    done    chan struct{}
    exited  chan struct{}
    once    sync.Once
    started bool
}

type job[M any] struct {
    env       process.Envelope[M]
    init      bool
    initiator process.Pid
}

func New[M any](opts Options[M]) *Executor[M] {
    if opts.Mailbox <= 0 { opts.Mailbox = 1024 }
    if opts.MaxChain <= 0 { opts.MaxChain = 256 }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Executor[M]{
        opts:    opts,
        procs:   make(map[process.Pid]process.Process[M]),
        calls:   make(map[string]chan process.Envelope[M]),
        mailbox: make(chan job[M], opts.Mailbox),
        done:    make(chan struct{}),
        exited:  make(chan struct{}),
    }
}

// Pid returns the executor's identity.
func (e *Executor[M]) Pid() process.Pid { return e.opts.Pid }

// Start launches the dispatcher. It stops when ctx is done or Stop is called.
func (e *Executor[M]) Start(ctx context.Context) {
    e.mu.Lock()
    if e.started {
        e.mu.Unlock()
        return
    }
    e.started = true
    e.mu.Unlock()
    go e.loop()
    go func() {
        select {
        case <-ctx.Done():
            e.Stop()
        case <-e.done:
        }
    }()
}

// Stop halts the dispatcher and waits for the in-flight message to finish.
func (e *Executor[M]) Stop() {
    e.once.Do(func() { close(e.done) })
    e.mu.Lock()
    started := e.started
    e.mu.Unlock()
    if started { <-e.exited }
}

// Spawn hosts p under pid and schedules its Init on behalf of initiator.
func (e *Executor[M]) Spawn(pid process.Pid, p process.Process[M], initiator process.Pid) error {
    e.mu.Lock()
    if _, ok := e.procs[pid]; ok {
        e.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrDuplicatePid, pid)
    }
    e.procs[pid] = p
    e.mu.Unlock()
    if err := e.enqueue(job[M]{env: process.Envelope[M]{To: pid}, init: true, initiator: initiator}, true); err != nil {
        e.mu.Lock()
        delete(e.procs, pid)
        e.mu.Unlock()
        return err
    }
    return nil
}

// Remove stops hosting pid. Queued envelopes for it are routed as if it had
// never been hosted.
func (e *Executor[M]) Remove(pid process.Pid) bool {
    e.mu.Lock()
    defer e.mu.Unlock()
    if _, ok := e.procs[pid]; !ok { return false }
    delete(e.procs, pid)
    return true
}

// Pids lists hosted processes in a stable order.
func (e *Executor[M]) Pids() []process.Pid {
    e.mu.Lock()
    out := make([]process.Pid, 0, len(e.procs))
    for p := range e.procs { out = append(out, p) }
    e.mu.Unlock()
    sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
    return out
}

// Hosts reports whether pid is hosted by this executor.
func (e *Executor[M]) Hosts(pid process.Pid) bool {
    e.mu.Lock()
    defer e.mu.Unlock()
    _, ok := e.procs[pid]
    return ok
}

// Send queues env for delivery to a hosted process, blocking while the
// mailbox is full.
func (e *Executor[M]) Send(env process.Envelope[M]) error {
    if !e.Hosts(env.To) { return fmt.Errorf("%w: %s", ErrUnknownPid, env.To) }
    return e.enqueue(job[M]{env: env}, true)
}

// TrySend is Send without blocking; it returns ErrMailboxFull instead.
func (e *Executor[M]) TrySend(env process.Envelope[M]) error {
    if !e.Hosts(env.To) { return fmt.Errorf("%w: %s", ErrUnknownPid, env.To) }
    return e.enqueue(job[M]{env: env}, false)
}

// Call delivers m to pid with a fresh correlation and waits for the reply
// carrying that correlation.
func (e *Executor[M]) Call(ctx context.Context, to process.Pid, m M) (process.Envelope[M], error) {
    var zero process.Envelope[M]
    cid := process.CorrelationID{Pid: e.opts.Pid, Handle: uuid.NewString()}
    ch := make(chan process.Envelope[M], 1)
    e.mu.Lock()
    e.calls[cid.Handle] = ch
    e.mu.Unlock()
    defer func() {
        e.mu.Lock()
        delete(e.calls, cid.Handle)
        e.mu.Unlock()
    }()
    if err := e.Send(process.NewEnvelope(to, e.opts.Pid, m, &cid)); err != nil {
        return zero, err
    }
    select {
    case rpy := <-ch:
        return rpy, nil
    case <-ctx.Done():
        return zero, ctx.Err()
    case <-e.done:
        return zero, ErrStopped
    }
}

// Tick delivers mk(pid) to every hosted process each interval until ctx
// is done. Ticks that find the mailbox full are dropped.
func (e *Executor[M]) Tick(ctx context.Context, interval time.Duration, mk func(pid process.Pid) M) {
    if interval <= 0 || mk == nil { return }
    go func() {
        t := time.NewTicker(interval)
        defer t.Stop()
        for {
            select {
            case <-ctx.Done():
                return
            case <-e.done:
                return
            case <-t.C:
                for _, pid := range e.Pids() {
                    err := e.TrySend(process.Envelope[M]{To: pid, From: e.opts.Pid, Msg: mk(pid)})
                    if errors.Is(err, ErrMailboxFull) {
                        obsmetrics.RuntimeRouted.WithLabelValues("dropped").Inc()
                    }
                }
            }
        }
    }()
}

func (e *Executor[M]) enqueue(j job[M], block bool) error {
    select {
    case <-e.done:
        return ErrStopped
    default:
    }
    if !block {
        select {
        case e.mailbox <- j:
            obsmetrics.RuntimeMailbox.Set(float64(len(e.mailbox)))
            return nil
        default:
            return ErrMailboxFull
        }
    }
    select {
    case e.mailbox <- j:
        obsmetrics.RuntimeMailbox.Set(float64(len(e.mailbox)))
        return nil
    case <-e.done:
        return ErrStopped
    }
}

func (e *Executor[M]) loop() {
    defer close(e.exited)
    for {
        select {
        case <-e.done:
            return
        case j := <-e.mailbox:
            obsmetrics.RuntimeMailbox.Set(float64(len(e.mailbox)))
            e.drain(j)
        }
    }
}

// drain runs j and then, in order, the local envelopes it leads to. After
// MaxChain runs the remainder is requeued so other mailbox entries and
// Stop are not starved.
func (e *Executor[M]) drain(j job[M]) {
    queue := []job[M]{j}
    for ran := 0; len(queue) > 0; ran++ {
        select {
        case <-e.done:
            return
        default:
        }
        if ran >= e.opts.MaxChain {
            for _, rest := range queue { e.requeue(rest) }
            return
        }
        next := queue[0]
        queue = queue[1:]
        for _, out := range e.run(next) {
            if local := e.route(out); local {
                queue = append(queue, job[M]{env: out})
            }
        }
    }
}

// requeue puts j back on the mailbox without blocking the dispatcher, which
// is the mailbox's only reader.
func (e *Executor[M]) requeue(j job[M]) {
    if err := e.enqueue(j, false); err != nil {
        obsmetrics.RuntimeRouted.WithLabelValues("dropped").Inc()
        logutil.Warnf(e.opts.Logger, "runtime: requeue for %s: %v", j.env.To, err)
    }
}

// run executes one job and returns the process output.
func (e *Executor[M]) run(j job[M]) (out []process.Envelope[M]) {
    e.mu.Lock()
    p, ok := e.procs[j.env.To]
    e.mu.Unlock()
    if !ok {
        obsmetrics.RuntimeRouted.WithLabelValues("dropped").Inc()
        logutil.Warnf(e.opts.Logger, "runtime: no process for %s, dropping", j.env.To)
        return nil
    }
    defer func() {
        if r := recover(); r != nil {
            obsmetrics.RuntimePanics.Inc()
            logutil.Errorf(e.opts.Logger, "runtime: process %s panicked: %v", j.env.To, r)
            out = nil
        }
    }()
    if j.init {
        return p.Init(j.initiator)
    }
    obsmetrics.RuntimeDelivered.Inc()
    return p.Handle(j.env.Msg, j.env.From, j.env.CorrelationID)
}

// route delivers out to a waiting Call or the outbound sink, or reports
// that it belongs to a local process.
func (e *Executor[M]) route(out process.Envelope[M]) (local bool) {
    if out.To == e.opts.Pid && out.CorrelationID != nil {
        e.mu.Lock()
        ch, ok := e.calls[out.CorrelationID.Handle]
        e.mu.Unlock()
        if ok {
            select {
            case ch <- out:
            default:
            }
            obsmetrics.RuntimeRouted.WithLabelValues("call").Inc()
            return false
        }
    }
    if e.opts.Diagnostic != nil && e.opts.Diagnostic(out.Msg) {
        obsmetrics.RuntimeRouted.WithLabelValues("dropped").Inc()
        logutil.Debugf(e.opts.Logger, "runtime: diagnostic from %s to %s not delivered", out.From, out.To)
        return false
    }
    if e.Hosts(out.To) {
        obsmetrics.RuntimeRouted.WithLabelValues("local").Inc()
        return true
    }
    if e.opts.Outbound != nil {
        obsmetrics.RuntimeRouted.WithLabelValues("outbound").Inc()
        e.opts.Outbound(out)
        return false
    }
    obsmetrics.RuntimeRouted.WithLabelValues("dropped").Inc()
    logutil.Debugf(e.opts.Logger, "runtime: dropping envelope to %s", out.To)
    return false
}
