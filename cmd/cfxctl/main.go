// Command cfxctl drives a parametric CFX back-pressure sweep end to end:
// case generation, cluster inventory, placement, staging, submission, and
// monitoring against a SLURM or PBS cluster.
package main

import (
	"fmt"
	"os"

	"github.com/cfxcluster/cfxctl/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
