package cli

import (
    "fmt"
    "strings"

    "github.com/amirimatin/go-vr/pkg/process"
)

// ParsePid reads NAME@NODE or NAME@NODE=ADDR into a pid of namespace ns.
func ParsePid(ns, s string) (process.Pid, error) {
    name, rest, ok := strings.Cut(strings.TrimSpace(s), "@")
    if !ok || name == "" || rest == "" {
        return process.Pid{}, fmt.Errorf("bad replica %q: want NAME@NODE[=ADDR]", s)
    }
    node, addr, _ := strings.Cut(rest, "=")
    if node == "" {
        return process.Pid{}, fmt.Errorf("bad replica %q: empty node", s)
    }
    return process.Pid{Name: name, Group: ns, Node: process.NodeID{Name: node, Addr: addr}}, nil
}
