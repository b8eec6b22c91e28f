package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DRSY/codalab-worksheets/cmd/cli/runcmd"
)

var RootCmd = &cobra.Command{
	Use:   "clctl",
	Short: "CodaLab worker orchestration",
	Long: `clctl runs the execution-orchestration services of the CodaLab platform.

The worker service tracks runs against a compute backend (AWS Batch or the
local Docker daemon); the pool service keeps a target number of workers
alive on a Slurm cluster.`,
}

func init() {
	RootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	RootCmd.AddCommand(runcmd.Command)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v", err)
		os.Exit(1)
	}
}
