package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
	exitRunFailed     = 3
)

func main() {
	root := &cobra.Command{
		Use:   "kestrel",
		Short: "kestrel - end-to-end test orchestration engine",
		Long: `kestrel schedules end-to-end test suites: it selects the tests
affected by a code change, runs them in dependency order with bounded
parallelism, checkpoints every outcome for crash-safe resume, and
watches test durations for performance regressions.

Configuration comes from environment variables; see the repository
README for the full list.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newResumeCmd(),
		newPlanCmd(),
		newServeCmd(),
		newValidateCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		if errors.Is(err, errRunFailed) {
			os.Exit(exitRunFailed)
		}
		fmt.Fprintln(os.Stderr, err)
		var ce *configError
		if errors.As(err, &ce) {
			os.Exit(exitInvalidConfig)
		}
		os.Exit(exitRuntimeError)
	}
}

// errRunFailed signals that the run itself finished but at least one
// test failed; the summary has already been printed.
var errRunFailed = errors.New("run failed")

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kestrel version %s (commit: %s)\n", version, commit)
		},
	}
}
