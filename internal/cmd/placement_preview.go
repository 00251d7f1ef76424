package cmd

import (
	"context"
	"fmt"

	"github.com/cfxcluster/cfxctl/pkg/casegen"
	"github.com/cfxcluster/cfxctl/pkg/cluster"
	"github.com/cfxcluster/cfxctl/pkg/placement"
	"github.com/spf13/cobra"
)

var placementPreviewCmd = &cobra.Command{
	Use:   "placement-preview <path>",
	Short: "Compare every placement strategy against the current cluster inventory without submitting anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlacementPreview,
}

func init() {
	rootCmd.AddCommand(placementPreviewCmd)
}

func runPlacementPreview(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}

	cases := casegen.GenerateCases(cfg)
	names := make([]string, len(cases))
	for i, c := range cases {
		names[i] = c.Name
	}

	tr := buildTransport(cfg)
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.SSHHost, err)
	}
	defer tr.Close()

	dialect, err := cluster.DetectDialect(ctx, tr)
	if err != nil {
		return err
	}
	nodes, err := cluster.QueryNodes(ctx, tr, dialect)
	if err != nil {
		return err
	}

	results, err := placement.CompareStrategies(names, nodes, cfg.TasksPerNode, 0, cfg.MaxConcurrentJobs)
	if err != nil {
		return err
	}

	fmt.Printf("%d cases across %d nodes\n\n", len(names), len(nodes))
	for _, r := range results {
		fmt.Printf("%-18s efficiency=%.1f%% utilization=%.1f%% unplaced=%d\n",
			r.Strategy, r.Efficiency, r.NodeUtilization*100, len(r.Unplaced))
		for _, w := range r.Warnings {
			fmt.Printf("  ! %s\n", w)
		}
	}
	return nil
}
