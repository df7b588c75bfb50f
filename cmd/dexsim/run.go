package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wonj1012/blockchain-simulator/internal/report"
	"github.com/wonj1012/blockchain-simulator/internal/sim"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scenario to completion and print a report per epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, sc, err := root.load()
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()

			out := cmd.OutOrStdout()
			var first, last *sim.Snapshot
			s, err := sim.Build(sc, sim.BuildOptions{
				Logger: &logger,
				OnSnapshot: func(snap sim.Snapshot) {
					if first == nil {
						first = &snap
					}
					last = &snap
					if !quiet {
						_ = report.Write(out, snap)
					}
				},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runErr := s.Run(ctx, sim.Epochs(sc.Epochs), true)
			if first != nil && last != nil {
				fmt.Fprintln(out, report.RenderChange(*first, *last))
			}
			if runErr != nil {
				return runErr
			}
			return s.Ledger().CheckSupply()
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the final comparison")
	return cmd
}
