package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wonj1012/blockchain-simulator/internal/config"
)

func newInitCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default scenario as YAML (stdout when no path is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return config.WriteScenario(cmd.OutOrStdout(), config.DefaultScenario())
			}

			path := args[0]
			if _, err := os.Stat(path); err == nil && !overwrite {
				return fmt.Errorf("%s already exists (use --overwrite)", path)
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := config.WriteScenario(f, config.DefaultScenario()); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing file")
	return cmd
}
