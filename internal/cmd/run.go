package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cfxcluster/cfxctl/pkg/metrics"
	"github.com/cfxcluster/cfxctl/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var (
	runPressureList []float64
	runDryRun       bool
	runSteps        []string
)

var runCmd = &cobra.Command{
	Use:   "run <path>",
	Short: "Execute the configured pressure-sweep pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Float64SliceVar(&runPressureList, "pressure-list", nil, "override the configured outlet pressures")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "stop after enumerating planned jobs; don't stage or submit anything")
	runCmd.Flags().StringSliceVar(&runSteps, "steps", nil, "run only these pipeline steps, in the order given")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args[0])
	if err != nil {
		return err
	}
	if err := applyConfigLogging(cfg); err != nil {
		return err
	}
	if len(runPressureList) > 0 {
		cfg.PressureList = runPressureList
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tr := buildTransport(cfg)
	o := orchestrator.New(cfg, tr, nil)

	reg := metrics.New()
	o.SetMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nreceived interrupt, cancelling at the next poll boundary...")
		cancel()
	}()

	if metricsAddr != "" {
		go func() {
			if err := reg.Serve(ctx, metricsAddr); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
	}

	switch {
	case runDryRun:
		if err := o.RunUpTo(ctx, orchestrator.StepGenerateScripts); err != nil {
			return err
		}
		fmt.Println("dry run: planned placements")
		for _, d := range o.PlannedJobs() {
			fmt.Printf("  %-20s -> %-16s cores=%d memMB=%d\n", d.CaseName, d.NodeName, d.Cores, d.MemoryMB)
		}
		return nil

	case len(runSteps) > 0:
		names := make([]orchestrator.StepName, len(runSteps))
		for i, s := range runSteps {
			names[i] = orchestrator.StepName(s)
		}
		return o.RunOnly(ctx, names)

	default:
		return o.Run(ctx)
	}
}
