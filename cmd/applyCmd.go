package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"neon/api"
	"neon/pkg"
)

func newApplyCmd(a *app) *cobra.Command {
	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply Topology",
		Long: `Apply a topology, either from a file with a nodes list and a links list
or generated from a pattern (ring, mesh, star, spine-leaf).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filepath, _ := cmd.Flags().GetString("from")
			kind, _ := cmd.Flags().GetString("pattern")

			var (
				plan   pkg.Plan
				report pkg.Report
				err    error
			)
			switch {
			case filepath != "" && kind != "":
				return errors.New("--from and --pattern are mutually exclusive")
			case filepath != "":
				plan, report, err = a.calc.ApplyTopoConfig(cmd.Context(), filepath)
			case kind != "":
				topo, perr := patternTopology(cmd, kind)
				if perr != nil {
					return perr
				}
				plan, report, err = a.calc.ApplyTopology(cmd.Context(), topo)
			default:
				return errors.New("one of --from or --pattern is required")
			}
			if err != nil {
				return err
			}

			pkg.ShowReport(cmd.OutOrStdout(), plan, report)
			return report.Err()
		},
	}

	applyCmd.Flags().StringP("from", "f", "", "Path to the topology configuration file")
	applyCmd.Flags().String("pattern", "", "Generate the topology from a pattern: ring, mesh, star or spine-leaf")
	applyCmd.Flags().String("lab", "", "Lab name for a generated topology (defaults to the pattern name)")
	applyCmd.Flags().String("image", "", "Device image for a generated topology")
	applyCmd.Flags().Int("count", 3, "Number of devices for ring, mesh and star")
	applyCmd.Flags().Int("spines", 2, "Number of spines for spine-leaf")
	applyCmd.Flags().Int("leaves", 4, "Number of leaves for spine-leaf")
	return applyCmd
}

func patternTopology(cmd *cobra.Command, kind string) (pkg.Topology, error) {
	lab, _ := cmd.Flags().GetString("lab")
	image, _ := cmd.Flags().GetString("image")
	count, _ := cmd.Flags().GetInt("count")
	spines, _ := cmd.Flags().GetInt("spines")
	leaves, _ := cmd.Flags().GetInt("leaves")

	if image == "" {
		return pkg.Topology{}, fmt.Errorf("--image is required with --pattern")
	}
	if lab == "" {
		lab = kind
	}
	return pkg.Topology{
		Lab: pkg.LabConfig{Name: lab},
		Pattern: &pkg.Pattern{
			Kind:   kind,
			Count:  count,
			Spines: spines,
			Leaves: leaves,
			Image:  api.ImageRef{URI: image},
		},
	}, nil
}
