package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev" // set at build time with -ldflags "-X main.version=..."

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of eventbus",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(a.out, "eventbus %s\n", version)
		},
	}
}
