package cmd

import (
	"fmt"
	"os"

	"github.com/cfxcluster/cfxctl/pkg/config"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

var createConfigCmd = &cobra.Command{
	Use:   "create-config <path>",
	Short: "Write a default configuration file as a starting point",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreateConfig,
}

func init() {
	rootCmd.AddCommand(createConfigCmd)
}

func runCreateConfig(cmd *cobra.Command, args []string) error {
	path := args[0]
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	data, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	fmt.Printf("Wrote default configuration to %s\n", path)
	fmt.Println("Edit sshHost, sshUser, and one of sshPassword/sshKey before running.")
	return nil
}
