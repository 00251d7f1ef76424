package cmd

import (
	"fmt"

	"github.com/cfxcluster/cfxctl/pkg/config"
)

// loadConfig reads the YAML configuration file at path, seeded with
// config.DefaultConfig() for any key it doesn't set.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, nil
}
