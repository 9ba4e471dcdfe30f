package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		runAll  bool
		since   string
		changed []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Select and execute affected tests",
		Long: `Selects the tests affected by recent changes (or all tests with
--all), plans them in dependency order, and executes the run to
completion. Exits 3 when any test fails.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			selected, err := app.selectTests(ctx, runAll, changed, since)
			if err != nil {
				return fmt.Errorf("select tests: %w", err)
			}
			if len(selected) == 0 {
				log.Printf("kestrel: no tests affected, nothing to run")
				return nil
			}

			runID := uuid.New()
			log.Printf("kestrel: starting run %s with %d test(s)", runID, len(selected))

			summary, err := app.executeRun(ctx, runID, selected)
			if err != nil {
				return fmt.Errorf("run %s: %w", runID, err)
			}

			fmt.Println(summary.String())
			if summary.Failed > 0 {
				return errRunFailed
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&runAll, "all", false, "run every test in the manifest")
	cmd.Flags().StringVar(&since, "since", "", "git ref to diff against when selecting tests (default CHANGE_REF)")
	cmd.Flags().StringSliceVar(&changed, "changed", nil, "explicit changed paths, bypassing git")
	return cmd
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume an interrupted run",
		Long: `Reopens a persisted run, converts checkpoints left running by a
crashed process back to pending, and continues the original plan.
Finished tests are not re-executed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run ID %q: %w", args[0], err)
			}

			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Printf("kestrel: resuming run %s", runID)
			summary, err := app.executeRun(ctx, runID, nil)
			if err != nil {
				return fmt.Errorf("resume %s: %w", runID, err)
			}

			fmt.Println(summary.String())
			if summary.Failed > 0 {
				return errRunFailed
			}
			return nil
		},
	}
	return cmd
}

func newPlanCmd() *cobra.Command {
	var (
		runAll  bool
		since   string
		changed []string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the execution plan without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			selected, err := app.selectTests(cmd.Context(), runAll, changed, since)
			if err != nil {
				return fmt.Errorf("select tests: %w", err)
			}
			if len(selected) == 0 {
				fmt.Println("no tests affected")
				return nil
			}

			groups := app.graph.PlanParallelOrder(selected)
			for i, group := range groups {
				fmt.Printf("group %d:\n", i+1)
				for _, id := range group {
					meta, _ := app.graph.Metadata(id)
					if len(meta.DependsOn) > 0 {
						fmt.Printf("  %s (priority=%s, after=%v)\n", id, meta.Priority, meta.DependsOn)
					} else {
						fmt.Printf("  %s (priority=%s)\n", id, meta.Priority)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&runAll, "all", false, "plan every test in the manifest")
	cmd.Flags().StringVar(&since, "since", "", "git ref to diff against when selecting tests (default CHANGE_REF)")
	cmd.Flags().StringSliceVar(&changed, "changed", nil, "explicit changed paths, bypassing git")
	return cmd
}
