package msg

import (
    "github.com/amirimatin/go-vr/pkg/admin"
    "github.com/amirimatin/go-vr/pkg/vr"
)

// InvalidMsgText is the diagnostic payload sent back for messages a
// process does not understand.
const InvalidMsgText = "Invalid Msg Received"

// Msg is the union of messages exchanged between processes on a node.
type Msg interface {
    Kind() string
}

// AdminReq carries an administrative request.
type AdminReq struct{ Req admin.Req }

// AdminRpy carries an administrative reply.
type AdminRpy struct{ Rpy admin.Rpy }

// Vr carries a protocol message for a replica's state machine.
type Vr struct{ Msg vr.Msg }

// Error is a diagnostic reply.
type Error struct{ Text string }

// Timeout is delivered by the runtime when a timer set by a process fires.
type Timeout struct{}

// Shutdown asks a process to stop.
type Shutdown struct{}

func (AdminReq) Kind() string { return "admin_req" }
func (AdminRpy) Kind() string { return "admin_rpy" }
func (Vr) Kind() string       { return "vr" }
func (Error) Kind() string    { return "error" }
func (Timeout) Kind() string  { return "timeout" }
func (Shutdown) Kind() string { return "shutdown" }

// NewError returns the fixed diagnostic reply.
func NewError() Error { return Error{Text: InvalidMsgText} }
