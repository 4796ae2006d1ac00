package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nightly-connect/internal/adapter/discovery"
	"nightly-connect/pkg/connect"
)

func newDiscoverCmd(c *cli) *cobra.Command {
	var (
		timeout time.Duration
		wallets bool
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find relays on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			relays, err := discovery.New(c.log).Scan(cmd.Context(), timeout)
			if err != nil {
				return err
			}
			if len(relays) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no relays found")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INSTANCE\tURL\tVERSION\tWALLETS")
			for _, r := range relays {
				count := "-"
				if wallets {
					list, err := connect.GetWalletsMetadata(cmd.Context(), r.URL, "")
					if err != nil {
						count = "error"
						c.log.Warn("wallet registry unavailable", "relay", r.URL, "error", err)
					} else {
						count = fmt.Sprint(len(list))
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Instance, r.URL, r.Version, count)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to browse")
	cmd.Flags().BoolVar(&wallets, "wallets", false, "also fetch each relay's wallet registry")
	return cmd
}
