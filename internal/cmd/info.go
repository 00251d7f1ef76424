package cmd

import (
	"fmt"

	"github.com/cfxcluster/cfxctl/pkg/cfxenv"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <path>",
	Short: "Print an environment/project/cluster configuration summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}

	fmt.Println("Project")
	fmt.Printf("  name:             %s\n", cfg.ProjectName)
	fmt.Printf("  base path:        %s\n", cfg.BasePath)
	fmt.Printf("  pressures:        %v %s\n", cfg.PressureList, cfg.PressureUnit)
	fmt.Printf("  cfx mode:         %s\n", cfg.CFXMode)

	fmt.Println("Cluster")
	fmt.Printf("  scheduler:        %s\n", cfg.SchedulerType)
	fmt.Printf("  cluster type:     %s\n", cfg.ClusterType)
	fmt.Printf("  placement:        %s\n", cfg.NodeAllocationStrategy)
	fmt.Printf("  ssh target:       %s@%s:%d\n", cfg.SSHUser, cfg.SSHHost, cfg.SSHPort)

	fmt.Println("Monitoring")
	fmt.Printf("  enabled:          %v\n", cfg.EnableMonitoring)
	fmt.Printf("  interval:         %ds\n", cfg.MonitorIntervalSec)
	if cfg.MonitorWindow != "" {
		fmt.Printf("  window:           %s\n", cfg.MonitorWindow)
	}

	fmt.Println("Local CFX")
	if info, err := cfxenv.DetectLocal(); err == nil {
		fmt.Printf("  found:            %s (via %s)\n", info.CFXHome, info.Method)
	} else {
		fmt.Printf("  found:            no (%v)\n", err)
	}
	return nil
}
