package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fyrsmithlabs/flowstate/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var (
		natsURL string
		prefix  string
	)
	cmd := &cobra.Command{
		Use:   "watch [session]",
		Short: "Follow workflow events",
		Long: `Print workflow events as the daemons publish them. Without a session,
events of every session are shown.

Examples:
  flowctl watch s1 --nats nats://localhost:4222`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := "*"
			if len(args) == 1 {
				sessionID = args[0]
			}

			nc, err := nats.Connect(natsURL, nats.Name("flowctl"))
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", natsURL, err)
			}
			defer nc.Close()

			out := cmd.OutOrStdout()
			sub, err := events.Subscribe(nc, prefix, sessionID, func(e events.Event) {
				fmt.Fprintln(out, formatEvent(e))
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats", nats.DefaultURL, "NATS server URL")
	cmd.Flags().StringVar(&prefix, "prefix", events.DefaultPrefix, "event subject prefix")
	return cmd
}

func formatEvent(e events.Event) string {
	line := fmt.Sprintf("%s %s gen=%d %s", e.At.Format("15:04:05.000"), e.SessionID, e.Generation, e.Type)
	switch {
	case e.From != "" || e.To != "":
		line += fmt.Sprintf(" %s -> %s", e.From, e.To)
	case e.Stage != "":
		line += " " + string(e.Stage)
	}
	if e.Worker != "" {
		line += " worker=" + e.Worker
	}
	if e.Error != "" {
		line += " error=" + e.Error
	}
	return line
}
