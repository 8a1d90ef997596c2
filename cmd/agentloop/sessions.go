package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <session> <namespace>",
		Short: "Ask a session to rediscover the tools of a namespace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireTemporal("refresh"); err != nil {
				return err
			}
			ctx := cmd.Context()
			w, err := wireRuntime(ctx, a.cfg, false)
			if err != nil {
				return err
			}
			defer w.Close()
			if err := w.runtime.SignalRefresh(ctx, args[0], args[1]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Refresh of %s requested for session %s\n", args[1], args[0])
			return nil
		},
	}
}

func newCloseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "close <session>",
		Short: "End a session and print its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireTemporal("close"); err != nil {
				return err
			}
			ctx := cmd.Context()
			w, err := wireRuntime(ctx, a.cfg, false)
			if err != nil {
				return err
			}
			defer w.Close()
			t, err := w.runtime.Close(ctx, args[0])
			if err != nil {
				return err
			}
			printTranscript(cmd.OutOrStdout(), t)
			return nil
		},
	}
}
