package cmd

import (
	"context"
	"fmt"

	"github.com/cfxcluster/cfxctl/pkg/cluster"
	"github.com/spf13/cobra"
)

var clusterStatusCmd = &cobra.Command{
	Use:   "cluster-status <path>",
	Short: "Connect to the configured cluster and print a normalized node inventory",
	Args:  cobra.ExactArgs(1),
	RunE:  runClusterStatus,
}

func init() {
	rootCmd.AddCommand(clusterStatusCmd)
}

func runClusterStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	if err := applyConfigLogging(cfg); err != nil {
		return err
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

	summary := cluster.Summarize(nodes)
	fmt.Printf("Scheduler dialect: %s\n", dialect)
	fmt.Printf("Nodes:             %d total, %d available\n", summary.TotalNodes, summary.AvailableNodes)
	fmt.Printf("Cores:             %d total, %d available\n", summary.TotalCores, summary.AvailableCores)
	fmt.Printf("Memory:            %d MB total, %d MB available\n", summary.TotalMemoryMB, summary.AvailableMemMB)

	fmt.Println("By state:")
	for state, count := range summary.States {
		fmt.Printf("  %-12s %d\n", state, count)
	}

	if len(summary.Partitions) > 0 {
		fmt.Println("By partition:")
		for name, p := range summary.Partitions {
			fmt.Printf("  %-12s nodes=%d cores=%d memMB=%d\n", name, p.Nodes, p.Cores, p.MemoryMB)
		}
	}
	return nil
}
