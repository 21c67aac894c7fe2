package consensus

import "time"

// Reconfigurer optionally allows adding and removing registry voters. It
// changes which nodes replicate the namespace registry, not the replica
// set of any namespace.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}
