package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newDestroyCmd(a *app) *cobra.Command {
	destroyCmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy Lab",
		Long:  `Remove every container of a lab. Their veth links go away with them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			lab, _ := cmd.Flags().GetString("lab")
			id, err := uuid.Parse(lab)
			if err != nil {
				return fmt.Errorf("invalid lab id %q: %w", lab, err)
			}
			if err = a.calc.Destroy(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Lab %s destroyed\n", id)
			return nil
		},
	}

	destroyCmd.Flags().String("lab", "", "ID of the lab to destroy, as printed by apply")
	_ = destroyCmd.MarkFlagRequired("lab")
	return destroyCmd
}
