package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    // Replica process metrics
    ReplicaDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_vr",
        Subsystem: "replica",
        Name:      "dispatched_total",
        Help:      "Messages dispatched to replica processes by kind (admin, vr, invalid)",
    }, []string{"kind"})
    ReplicaOutbound = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_vr",
        Subsystem: "replica",
        Name:      "outbound_total",
        Help:      "Envelopes emitted by replica processes",
    })
    ReplicasRunning = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_vr",
        Subsystem: "replica",
        Name:      "running",
        Help:      "Number of replica processes hosted on this node",
    })

    // Runtime (executor) metrics
    RuntimeDelivered = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_vr",
        Subsystem: "runtime",
        Name:      "delivered_total",
        Help:      "Envelopes delivered to local processes",
    })
    RuntimeRouted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_vr",
        Subsystem: "runtime",
        Name:      "routed_total",
        Help:      "Envelopes routed by destination (local, call, outbound, dropped)",
    }, []string{"dest"})
    RuntimePanics = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_vr",
        Subsystem: "runtime",
        Name:      "panics_total",
        Help:      "Panics recovered while a process handled a message",
    })
    RuntimeMailbox = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_vr",
        Subsystem: "runtime",
        Name:      "mailbox_depth",
        Help:      "Envelopes waiting in the executor mailbox",
    })

    // Namespace membership metrics
    NamespaceEpoch = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "go_vr",
        Subsystem: "namespace",
        Name:      "epoch",
        Help:      "Current reconfiguration epoch per namespace",
    }, []string{"namespace"})
    NamespaceUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_vr",
        Subsystem: "namespace",
        Name:      "updates_total",
        Help:      "Accepted namespace record updates by source (raft, gossip)",
    }, []string{"source"})

    // Node metrics
    Members = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_vr",
        Name:      "members_total",
        Help:      "Current number of known gossip members",
    })
    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_vr",
        Name:      "is_leader",
        Help:      "1 if this node leads the namespace registry, else 0",
    })
    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_vr",
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader change events",
    })

    // Management transport metrics
    MgmtRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_vr",
        Subsystem: "mgmt",
        Name:      "requests_total",
        Help:      "Management requests handled by method and result",
    }, []string{"method", "result"})
    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_vr",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_vr",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_vr",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_vr",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ReplicaDispatched, ReplicaOutbound, ReplicasRunning)
        prometheus.MustRegister(RuntimeDelivered, RuntimeRouted, RuntimePanics, RuntimeMailbox)
        prometheus.MustRegister(NamespaceEpoch, NamespaceUpdates)
        prometheus.MustRegister(Members, IsLeader, LeaderChanges)
        prometheus.MustRegister(MgmtRequests)
        prometheus.MustRegister(GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive)
    })
}
