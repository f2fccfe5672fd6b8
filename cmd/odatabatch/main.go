// Package main is the entry point for the odatabatch CLI. It renders and runs
// batch plans against OData services and serves the batch gateway.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pitabwire/odatabatch/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// exitError carries a process exit code without printing anything more.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	observability.Version = version
	observability.Commit = commit

	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		pterm.Error.WithWriter(root.ErrOrStderr()).Println(err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "odatabatch",
		Short:         "Build, send and serve OData $batch requests",
		Long:          "odatabatch turns declarative batch plans into OData V2 $batch requests, sends them with the CSRF token handshake, and reports one outcome per operation.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRenderCmd(), newRunCmd(), newServeCmd())
	return root
}
