package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelci/kestrel/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := config.Validate(cfg); err != nil {
				return &configError{err}
			}
			fmt.Println("configuration is valid")
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			out, err := cfg.MaskedJSON()
			if err != nil {
				return fmt.Errorf("render config: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
