package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newNetworkCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network <online|offline|probe>",
		Short: "Report network state to the daemon or probe the backend",
		Long: `"online" and "offline" set the platform network hint the daemon combines
with its reachability probe. "probe" asks the daemon to test the backend now.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"online", "offline", "probe"},
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			switch args[0] {
			case "online", "offline":
				state, err := client.SetNetworkHint(cmd.Context(), args[0] == "online")
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), state)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "network hint set; daemon is %s\n", onlineWord(state.IsOnline))
			case "probe":
				resp, err := client.Probe(cmd.Context())
				if err != nil {
					return err
				}
				if opts.json {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				if resp.Reachable {
					fmt.Fprintf(cmd.OutOrStdout(), "backend reachable; daemon is %s\n", onlineWord(resp.State.IsOnline))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "backend unreachable: %s\n", resp.State.LastError)
				}
			default:
				return fmt.Errorf("unknown network action %q (want online, offline or probe)", args[0])
			}
			return nil
		},
	}
	return cmd
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
