package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"goa.design/clue/health"
	"goa.design/clue/log"
)

// app is shared by the commands. cfg is loaded before any command runs.
type app struct {
	v   *viper.Viper
	cfg *Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: newViper()}
	var (
		configPath string
		debug      bool
	)
	rootCmd := &cobra.Command{
		Use:           "agentloop",
		Short:         "Durable agent sessions over Temporal or an in-process engine",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if debug {
				ctx = log.Context(ctx, log.WithDebug())
				log.Debugf(ctx, "debug logs enabled")
			}
			cmd.SetContext(ctx)
			cfg, err := loadConfig(a.v, configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML configuration file (default ./agentloop.yaml)")
	flags.BoolVar(&debug, "debug", false, "Enable debug logs")
	flags.String("engine", "", "Engine: inmem or temporal")
	flags.String("temporal-host", "", "Temporal frontend host:port")
	flags.String("task-queue", "", "Temporal task queue of the session workflow")
	flags.String("planner", "", "Planner: openai or mock")
	flags.Int("max-tool-calls", 0, "Tool calls allowed per turn")
	bind := map[string]string{
		"engine":              "engine",
		"temporal.host_port":  "temporal-host",
		"temporal.task_queue": "task-queue",
		"planner.kind":        "planner",
		"max_tool_calls":      "max-tool-calls",
	}
	for key, flag := range bind {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			rootCmd.RunE = func(*cobra.Command, []string) error { return err }
			return rootCmd
		}
	}

	rootCmd.AddCommand(
		newOrchestratorCmd(a),
		newNamespaceCmd(a),
		newChatCmd(a),
		newRefreshCmd(a),
		newCloseCmd(a),
	)
	return rootCmd
}

// requireTemporal fails commands that only make sense against sessions
// hosted by Temporal.
func (a *app) requireTemporal(command string) error {
	if a.cfg.Engine != engineTemporal {
		return fmt.Errorf("%s requires the temporal engine (set engine: temporal or AGENTLOOP_ENGINE=temporal)", command)
	}
	return nil
}

// serveHealth serves the clue health handler on addr until ctx is done.
// An empty addr disables it.
func serveHealth(ctx context.Context, addr string, chk health.Checker) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Handler(chk))
	mux.Handle("/livez", health.Handler(chk))
	srv := &http.Server{Addr: addr, Handler: log.HTTP(ctx)(mux), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf(ctx, "health checks listening on %q", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf(ctx, err, "health server")
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
}
