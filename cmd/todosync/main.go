// Package main implements the todosync CLI: the daemon itself (serve) and
// commands for inspecting and steering a running daemon over HTTP.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/todosync/internal/monitor"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const defaultServerURL = "http://127.0.0.1:8787"

// cliOptions are the persistent flags shared by every client command.
type cliOptions struct {
	serverURL string
	timeout   time.Duration
	json      bool
}

func (o *cliOptions) client() *monitor.Client {
	return monitor.NewClient(o.serverURL, o.timeout)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "todosync",
		Short: "Offline operation queue and sync daemon for the to-do app",
		Long: `todosync keeps to-do mutations in a durable local queue while the
device is offline and replays them against the backend when connectivity
returns.

Run "todosync serve" to start the daemon; every other command talks to a
running daemon over its HTTP API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	serverDefault := defaultServerURL
	if v := os.Getenv("TODOSYNC_SERVER"); v != "" {
		serverDefault = v
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", serverDefault, "todosync daemon URL (env TODOSYNC_SERVER)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output results as JSON")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(opts),
		newSyncCmd(opts),
		newClearCmd(opts),
		newClearErrorsCmd(opts),
		newEnqueueCmd(opts),
		newOpsCmd(opts),
		newNetworkCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "todosync by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
