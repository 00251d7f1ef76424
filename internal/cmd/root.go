package cmd

import (
	"io"
	"os"

	"github.com/cfxcluster/cfxctl/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	logLevel    string
	logFile     string
	metricsAddr string
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "cfxctl",
	Short: "cfxctl drives parametric CFX pressure-sweep batches on a cluster",
	Long: `cfxctl takes a base CFX case and a list of outlet pressures, generates
one .def file per pressure, places each case on a SLURM or PBS cluster,
stages and submits the resulting jobs, and monitors them to completion.

Typical usage:
  cfxctl create-config cfx.yaml
  cfxctl validate cfx.yaml
  cfxctl run cfx.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file with rotation, instead of stderr")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on, e.g. :9090 (run command only)")
}

// setupLogging configures logrus output and level before any subcommand
// runs. A log file target is rotated through lumberjack rather than
// growing without bound across long batch runs.
func setupLogging() error {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var out io.Writer = os.Stderr
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	logrus.SetOutput(out)

	if logLevel != "" {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(lvl)
	}
	return nil
}

// applyConfigLogging re-applies logging settings from a loaded Config for
// any value the user did not already override with a flag.
func applyConfigLogging(cfg *config.Config) error {
	if logFile == "" && cfg.LogFile != "" {
		logFile = cfg.LogFile
		if err := setupLogging(); err != nil {
			return err
		}
	}
	if logLevel == "" && cfg.LogLevel != "" {
		lvl, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(lvl)
	}
	return nil
}
