package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/todosync/internal/monitor"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
)

func newWatchCmd(opts *cliOptions) *cobra.Command {
	var (
		interval   time.Duration
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live terminal dashboard for the queue",
		Long: `Open a terminal dashboard that polls the daemon and shows connectivity,
queue depth, the retry budget of failing operations and recent errors.

Keys: q quit, r refresh, s sync now.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			model := monitor.NewModel(opts.client(), monitor.Options{
				Interval:   interval,
				MaxRetries: maxRetries,
			})
			p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	cmd.Flags().IntVar(&maxRetries, "max-retries", syncengine.DefaultMaxRetries, "retry ceiling the budget bar is measured against")
	return cmd
}
