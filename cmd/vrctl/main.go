package main

import (
    "log"

    "github.com/spf13/cobra"

    vrcli "github.com/amirimatin/go-vr/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "vrctl",
        Short:         "go-vr node and namespace management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    // Attach all node commands from pkg/cli for reuse in services
    vrcli.AddAll(root)
    return root
}
