package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Load a config file and report any validation errors, one per line",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}

	errs := cfg.Errors()
	if len(errs) == 0 {
		fmt.Println("configuration is valid")
		return nil
	}

	fmt.Printf("found %d configuration error(s):\n", len(errs))
	for _, e := range errs {
		fmt.Printf("  - %s\n", e)
	}
	return fmt.Errorf("configuration is invalid")
}
