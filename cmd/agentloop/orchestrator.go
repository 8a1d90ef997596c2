package main

import (
	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

func newOrchestratorCmd(a *app) *cobra.Command {
	var healthAddr string
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the session workflow worker",
		Long: "Run the Temporal worker hosting the session workflow, its planner activity and its tool activities. " +
			"Active sessions recorded in the session store are reattached on start.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireTemporal("orchestrator"); err != nil {
				return err
			}
			ctx := cmd.Context()
			w, err := wireRuntime(ctx, a.cfg, true)
			if err != nil {
				return err
			}
			defer w.Close()

			if err := w.temporal.Worker().Start(); err != nil {
				return err
			}
			log.Print(ctx,
				log.KV{K: "msg", V: "orchestrator started"},
				log.KV{K: "task-queue", V: a.cfg.Temporal.TaskQueue},
				log.KV{K: "namespaces", V: len(a.cfg.Namespaces)})
			n, err := w.runtime.Recover(ctx)
			if err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "recover sessions"})
			}
			if n > 0 {
				log.Printf(ctx, "reattached %d active sessions", n)
			}
			serveHealth(ctx, healthAddr, w.Checker())

			<-ctx.Done()
			log.Printf(ctx, "orchestrator stopping")
			return nil
		},
	}
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve health checks on this address (for example :8080)")
	return cmd
}
