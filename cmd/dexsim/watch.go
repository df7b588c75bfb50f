package main

import (
	"context"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/wonj1012/blockchain-simulator/internal/sim"
	"github.com/wonj1012/blockchain-simulator/internal/tui"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the scenario behind a live terminal dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, sc, err := root.load()
			if err != nil {
				return err
			}
			// the dashboard owns the terminal
			logger, closeLog, err := newLogger(cfg.Log, io.Discard)
			if err != nil {
				return err
			}
			defer closeLog()

			feed := tui.NewFeed(256)
			s, err := sim.Build(sc, sim.BuildOptions{
				Logger:     &logger,
				OnBlock:    feed.OnBlock,
				OnSnapshot: feed.OnSnapshot,
			})
			if err != nil {
				return err
			}

			epochs := sim.Epochs(sc.Epochs)
			var total int64
			for _, e := range epochs {
				total += int64(e.NumBlocks)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() {
				feed.Finish(s.Run(ctx, epochs, true))
			}()

			final, err := tea.NewProgram(tui.NewModel(feed, total, cancel)).Run()
			if err != nil {
				return err
			}
			if m, ok := final.(*tui.Model); ok {
				if done, runErr := m.Done(); done && runErr != nil {
					return runErr
				}
			}
			return nil
		},
	}
}
