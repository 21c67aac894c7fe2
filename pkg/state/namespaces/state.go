package namespaces

import (
    "encoding/json"
    "errors"
    "fmt"
    "sort"
    "sync"

    "github.com/amirimatin/go-vr/pkg/process"
    base "github.com/amirimatin/go-vr/pkg/state"
    "github.com/amirimatin/go-vr/pkg/vr"
)

var (
    ErrEmptyName          = errors.New("state: empty namespace")
    ErrExists             = errors.New("state: namespace already exists")
    ErrUnknown            = errors.New("state: unknown namespace")
    ErrUnsupportedVersion = errors.New("state: unsupported snapshot version")
    ErrStaleEpoch         = errors.New("state: stale epoch")
)

// DefaultHistory is the number of superseded records kept per namespace.
const DefaultHistory = 8

// ChangeFunc is called after a namespace record is replaced.
type ChangeFunc func(ns string, rec vr.VersionedReplicas, source string)

// State is an in-memory FSM of namespace replica records.
type State struct {
    mu       sync.RWMutex
    current  map[string]vr.VersionedReplicas
    history  map[string][]vr.VersionedReplicas
    keep     int
    onChange []ChangeFunc
}

func New() *State {
    return &State{
        current: make(map[string]vr.VersionedReplicas),
        history: make(map[string][]vr.VersionedReplicas),
        keep:    DefaultHistory,
    }
}

// OnChange registers fn to be called, outside the state lock, whenever a
// record is installed.
func (s *State) OnChange(fn ChangeFunc) {
    s.mu.Lock(); defer s.mu.Unlock()
    s.onChange = append(s.onChange, fn)
}

// ApplyCreate installs the epoch 1 record of a new namespace.
func (s *State) ApplyCreate(ns string, replicas []process.Pid) (vr.VersionedReplicas, error) {
    if ns == "" { return vr.VersionedReplicas{}, ErrEmptyName }
    rec, err := vr.Bootstrap(replicas)
    if err != nil { return vr.VersionedReplicas{}, err }
    s.mu.Lock()
    if _, ok := s.current[ns]; ok {
        s.mu.Unlock()
        return vr.VersionedReplicas{}, fmt.Errorf("%w: %s", ErrExists, ns)
    }
    s.install(ns, rec)
    s.mu.Unlock()
    s.notify(ns, rec, "raft")
    return rec.Clone(), nil
}

// ApplyReconfigure installs rec, the leader-computed successor of the
// current record of ns. An entry whose epoch is already known leaves the
// registry untouched: it returns the known record when rec matches it and
// ErrStaleEpoch otherwise.
func (s *State) ApplyReconfigure(ns string, rec vr.VersionedReplicas) (vr.VersionedReplicas, error) {
    if ns == "" { return vr.VersionedReplicas{}, ErrEmptyName }
    s.mu.Lock()
    cur, ok := s.current[ns]
    if !ok {
        s.mu.Unlock()
        return vr.VersionedReplicas{}, fmt.Errorf("%w: %s", ErrUnknown, ns)
    }
    if rec.Epoch <= cur.Epoch {
        known, found := s.atEpoch(ns, rec.Epoch)
        s.mu.Unlock()
        if found && known.Equal(rec) { return known.Clone(), nil }
        return vr.VersionedReplicas{}, fmt.Errorf("%w: %s epoch %d, current %d", ErrStaleEpoch, ns, rec.Epoch, cur.Epoch)
    }
    next, err := cur.Reconfigure(rec.Op, rec.Replicas)
    if err != nil {
        s.mu.Unlock()
        return vr.VersionedReplicas{}, err
    }
    next.Epoch = rec.Epoch
    s.install(ns, next)
    s.mu.Unlock()
    s.notify(ns, next, "raft")
    return next.Clone(), nil
}

// ApplyObserve installs rec if it supersedes what is known for ns (or ns
// is unknown). It reports whether anything changed.
func (s *State) ApplyObserve(ns string, rec vr.VersionedReplicas) (bool, error) {
    if ns == "" { return false, ErrEmptyName }
    if rec.Epoch == 0 { return false, nil }
    s.mu.Lock()
    if cur, ok := s.current[ns]; ok && !rec.Supersedes(cur) {
        s.mu.Unlock()
        return false, nil
    }
    rec = rec.Clone()
    s.install(ns, rec)
    s.mu.Unlock()
    s.notify(ns, rec, "gossip")
    return true, nil
}

// Get returns a copy of the current record of ns.
func (s *State) Get(ns string) (vr.VersionedReplicas, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    rec, ok := s.current[ns]
    if !ok { return vr.VersionedReplicas{}, false }
    return rec.Clone(), true
}

// History returns superseded records of ns, oldest first.
func (s *State) History(ns string) []vr.VersionedReplicas {
    s.mu.RLock(); defer s.mu.RUnlock()
    h := s.history[ns]
    out := make([]vr.VersionedReplicas, 0, len(h))
    for _, r := range h { out = append(out, r.Clone()) }
    return out
}

// All returns a copy of every current record.
func (s *State) All() map[string]vr.VersionedReplicas {
    s.mu.RLock(); defer s.mu.RUnlock()
    out := make(map[string]vr.VersionedReplicas, len(s.current))
    for ns, rec := range s.current { out[ns] = rec.Clone() }
    return out
}

// Namespaces returns namespace names in sorted order.
func (s *State) Namespaces() []string {
    s.mu.RLock(); defer s.mu.RUnlock()
    out := make([]string, 0, len(s.current))
    for ns := range s.current { out = append(out, ns) }
    sort.Strings(out)
    return out
}

type snapshotNS struct {
    Name    string                  `json:"name"`
    Current vr.VersionedReplicas    `json:"current"`
    History []vr.VersionedReplicas  `json:"history,omitempty"`
}

type snapshotV1 struct {
    Version    int          `json:"version"`
    Namespaces []snapshotNS `json:"namespaces"`
}

// Snapshot encodes state as a stable JSON for ease of debugging/migration.
func (s *State) Snapshot() ([]byte, error) {
    s.mu.RLock(); defer s.mu.RUnlock()
    arr := make([]snapshotNS, 0, len(s.current))
    for ns, rec := range s.current {
        arr = append(arr, snapshotNS{Name: ns, Current: rec, History: s.history[ns]})
    }
    sort.Slice(arr, func(i, j int) bool { return arr[i].Name < arr[j].Name })
    return json.Marshal(snapshotV1{Version: 1, Namespaces: arr})
}

func (s *State) Restore(buf []byte) error {
    var snap snapshotV1
    if err := json.Unmarshal(buf, &snap); err != nil {
        return err
    }
    if snap.Version != 1 { return fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version) }
    s.mu.Lock()
    prev := s.current
    s.current = make(map[string]vr.VersionedReplicas, len(snap.Namespaces))
    s.history = make(map[string][]vr.VersionedReplicas, len(snap.Namespaces))
    for _, n := range snap.Namespaces {
        if n.Name == "" { continue }
        s.current[n.Name] = n.Current.Clone()
        if len(n.History) > 0 { s.history[n.Name] = n.History }
    }
    // Epochs never move backwards: a newer record learned by gossip
    // survives an older snapshot.
    for ns, rec := range prev {
        if cur, ok := s.current[ns]; !ok || rec.Supersedes(cur) { s.install(ns, rec) }
    }
    restored := make(map[string]vr.VersionedReplicas, len(s.current))
    for ns, rec := range s.current { restored[ns] = rec.Clone() }
    s.mu.Unlock()
    for ns, rec := range restored { s.notify(ns, rec, "restore") }
    return nil
}

// atEpoch finds the record of ns at epoch among the current one and its
// history. It must be called with s.mu held.
func (s *State) atEpoch(ns string, epoch uint64) (vr.VersionedReplicas, bool) {
    if cur, ok := s.current[ns]; ok && cur.Epoch == epoch { return cur, true }
    for _, r := range s.history[ns] {
        if r.Epoch == epoch { return r, true }
    }
    return vr.VersionedReplicas{}, false
}

// install must be called with s.mu held.
func (s *State) install(ns string, rec vr.VersionedReplicas) {
    if cur, ok := s.current[ns]; ok {
        h := append(s.history[ns], cur)
        if len(h) > s.keep { h = h[len(h)-s.keep:] }
        s.history[ns] = h
    }
    s.current[ns] = rec
}

func (s *State) notify(ns string, rec vr.VersionedReplicas, source string) {
    s.mu.RLock()
    fns := append([]ChangeFunc(nil), s.onChange...)
    s.mu.RUnlock()
    for _, fn := range fns { fn(ns, rec.Clone(), source) }
}

// Ensure interface satisfaction at compile-time.
var _ base.NamespaceState = (*State)(nil)
