package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/todosync/internal/http"
	"github.com/fyrsmithlabs/todosync/internal/monitor"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
)

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue and connectivity status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), status)
			}
			printStatus(cmd.OutOrStdout(), status, time.Now())
			return nil
		},
	}
}

func printStatus(w io.Writer, s api.StatusResponse, now time.Time) {
	state := "offline"
	if s.Connectivity.IsOnline {
		state = "online"
	}
	if s.Queue.IsProcessing || s.Draining {
		state += ", syncing"
	}

	fmt.Fprintf(w, "Connectivity:  %s\n", state)
	fmt.Fprintf(w, "Pending:       %d\n", s.Queue.PendingOperations)
	fmt.Fprintf(w, "Failing:       %d (worst retry count %d)\n", s.Counts.Failing, s.Counts.MaxRetryCount)
	fmt.Fprintf(w, "Retries armed: %d\n", s.RetriesPending)
	fmt.Fprintf(w, "Last sync:     %s\n", monitor.FormatLastSync(s.Queue.LastSync, now))
	if s.Connectivity.LastError != "" {
		fmt.Fprintf(w, "Probe error:   %s\n", s.Connectivity.LastError)
	}
	if len(s.Queue.Errors) > 0 {
		fmt.Fprintln(w, "Errors:")
		for _, e := range s.Queue.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	if s.Version != "" {
		fmt.Fprintf(w, "Daemon:        %s\n", s.Version)
	}
}

func newSyncCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay pending operations now",
		Long: `Run one synchronization pass. The pass is skipped when the daemon is
offline, has no signed-in user, or is already syncing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Sync(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeSync(resp))
			return nil
		},
	}
}

func describeSync(resp api.SyncResponse) string {
	if resp.Skipped != "" {
		return "sync skipped: " + strings.ReplaceAll(resp.Skipped, "_", " ")
	}
	r := resp.Result
	return fmt.Sprintf("applied %d, retrying %d, evicted %d, deferred %d, waiting %d (%s)",
		r.Applied, r.Retrying, r.Evicted, r.Deferred, r.Waiting, r.Duration.Round(time.Millisecond))
}

func newClearCmd(opts *cliOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every pending operation",
		Long: `Discard every pending operation without applying it. Local changes that
were never synced are lost, so --force is required.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("refusing to discard pending operations without --force")
			}
			removed, err := opts.client().Clear(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), api.ClearResponse{Removed: removed})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d operation(s)\n", removed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "confirm discarding unsynced changes")
	return cmd
}

func newClearErrorsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-errors",
		Short: "Clear the recent sync error list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().ClearErrors(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "errors cleared")
			return nil
		},
	}
}

func newEnqueueCmd(opts *cliOptions) *cobra.Command {
	var (
		data       string
		originalID string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <CREATE|UPDATE|DELETE> <lists|tasks>",
		Short: "Queue a raw operation",
		Long: `Queue a raw operation for replay. UPDATE and DELETE need data.id.

Examples:
  todosync enqueue CREATE lists --data '{"title":"Groceries"}'
  todosync enqueue UPDATE tasks --data '{"id":"t1","completed":true}'
  todosync enqueue DELETE tasks --data '{"id":"t1"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := queue.Payload{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return fmt.Errorf("invalid --data: %w", err)
				}
			}
			id, err := opts.client().Enqueue(cmd.Context(), api.EnqueueRequest{
				Type:       queue.OpType(strings.ToUpper(args[0])),
				Table:      queue.Table(strings.ToLower(args[1])),
				Data:       payload,
				OriginalID: originalID,
			})
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), api.EnqueueResponse{ID: id})
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON payload")
	cmd.Flags().StringVar(&originalID, "original-id", "", "id of the entity the operation targets, if not data.id")
	return cmd
}

func newOpsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ops",
		Short: "List pending operations",
		Long: `List pending operations in replay order with retry counts and the last
error. Use "ops discard" or "ops retry" to resolve a failing operation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := opts.client().Operations(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), ops)
			}
			printOperations(cmd.OutOrStdout(), ops, time.Now())
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <operation-id>",
		Short: "Drop one pending operation without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Discard(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Attempt one pending operation now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := opts.client().Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), out)
			}
			fmt.Fprintln(cmd.OutOrStdout(), describeOutcome(out))
			return nil
		},
	})

	return cmd
}

func printOperations(w io.Writer, ops []api.OperationView, now time.Time) {
	if len(ops) == 0 {
		fmt.Fprintln(w, "no pending operations")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOPERATION\tAGE\tRETRIES\tERROR")
	for _, op := range ops {
		retries := fmt.Sprintf("%d", op.RetryCount)
		if op.RetryScheduled {
			retries += " (armed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			op.ID, op.Describe(), monitor.FormatAge(now.Sub(op.Timestamp)), retries, monitor.Truncate(op.Error, 60))
	}
	_ = tw.Flush()
}

func describeOutcome(out syncengine.Outcome) string {
	switch out.Kind {
	case syncengine.OutcomeApplied:
		return fmt.Sprintf("%s applied after %d attempt(s)", out.Operation.Describe(), out.Attempts)
	case syncengine.OutcomeRetrying:
		return fmt.Sprintf("%s failed (%s), retrying in %s", out.Operation.Describe(), out.Error, out.RetryIn)
	default:
		return fmt.Sprintf("%s %s: %s", out.Operation.Describe(), out.Kind, out.Error)
	}
}
