package cmd

import (
	"fmt"

	"github.com/cfxcluster/cfxctl/pkg/cfxenv"
	"github.com/spf13/cobra"
)

var detectCFXCmd = &cobra.Command{
	Use:   "detect-cfx",
	Short: "Probe the local machine for an ANSYS CFX installation",
	RunE:  runDetectCFX,
}

func init() {
	rootCmd.AddCommand(detectCFXCmd)
}

func runDetectCFX(cmd *cobra.Command, args []string) error {
	info, err := cfxenv.DetectLocal()
	if err != nil {
		return err
	}

	fmt.Printf("CFX home:    %s\n", info.CFXHome)
	fmt.Printf("Bin path:    %s\n", info.BinPath)
	fmt.Printf("cfx5pre:     %s\n", info.PreExe)
	fmt.Printf("cfx5solve:   %s\n", info.SolveExe)
	if info.Version != "" {
		fmt.Printf("Version:     %s\n", info.Version)
	}
	fmt.Printf("Detected by: %s\n", info.Method)
	return nil
}
