package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show Resources",
		Long:  `Show the containers managed on this host.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.calc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Total: %d, Running: %d, Stopped: %d\n", stats.Total, stats.Running, stats.Stopped)
			for _, c := range stats.Containers {
				fmt.Fprintf(out, "Container: %s, Name: %s, Status: %s, Image: %s\n", c.Handle, c.Name, c.Status, c.Image)
			}
			return nil
		},
	}
}
