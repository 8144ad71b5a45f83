package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInterfacesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces <container>",
		Short: "List Interfaces",
		Long:  `List the network interfaces inside a container's namespace.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ifaces, err := a.calc.Interfaces(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, name := range ifaces {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
