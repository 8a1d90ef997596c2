package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/agentloop/features/tools/finance"
	"goa.design/agentloop/features/tools/it"
	"goa.design/agentloop/runtime/agent/engine/temporal"
	"goa.design/agentloop/runtime/agent/telemetry"
	"goa.design/agentloop/runtime/agent/tools"
	"goa.design/agentloop/runtime/toolregistry"
	"goa.design/agentloop/runtime/toolregistry/provider"
)

// namespaceToolsets maps the namespaces this binary can serve to their
// toolset constructors.
var namespaceToolsets = map[string]func() (*toolregistry.Toolset, error){
	"IT":      it.NewToolset,
	"Finance": finance.NewToolset,
}

func newNamespaceCmd(a *app) *cobra.Command {
	var (
		transport  string
		addr       string
		taskQueue  string
		service    string
		healthAddr string
	)
	cmd := &cobra.Command{
		Use:   "namespace <IT|Finance>",
		Short: "Serve a tool namespace",
		Long: "Serve a tool namespace as a Nexus service, either over HTTP or registered on a Temporal worker. " +
			"Over HTTP handle-based tools run as jobs owned by this process; over Temporal each job is a workflow.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]
			newToolset, ok := namespaceToolsets[name]
			if !ok {
				return fmt.Errorf("unknown namespace %q (want IT or Finance)", name)
			}
			ts, err := newToolset()
			if err != nil {
				return fmt.Errorf("build %s toolset: %w", name, err)
			}
			tel := telemetry.NewClueBundle(ctx)
			opts := []provider.Option{provider.WithLogger(tel.Logger)}
			if service != "" {
				opts = append(opts, provider.WithServiceName(service))
			}
			serveHealth(ctx, healthAddr, health.NewChecker())

			switch tools.Transport(transport) {
			case tools.TransportHTTP:
				jobs := provider.NewJobs(ts)
				defer jobs.Stop()
				return serveNamespaceHTTP(ctx, provider.New(name, ts, append(opts, provider.WithJobs(jobs))...), addr)
			case tools.TransportTemporal:
				if taskQueue == "" {
					taskQueue = "agentloop." + strings.ToLower(name)
				}
				return serveNamespaceTemporal(ctx, a.cfg.Temporal, taskQueue, tel, name, ts, opts)
			default:
				return fmt.Errorf("unknown transport %q (want http or temporal)", transport)
			}
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&transport, "transport", string(tools.TransportHTTP), "Transport: http or temporal")
	flags.StringVar(&addr, "addr", ":8081", "HTTP listen address")
	flags.StringVar(&taskQueue, "namespace-task-queue", "", "Temporal task queue of the Nexus endpoint target (default agentloop.<namespace>)")
	flags.StringVar(&service, "service", "", "Nexus service name (default derived from the namespace)")
	flags.StringVar(&healthAddr, "health-addr", "", "Serve health checks on this address")
	return cmd
}

func serveNamespaceHTTP(ctx context.Context, p *provider.Provider, addr string) error {
	handler, err := p.NewHTTPHandler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: log.HTTP(ctx)(handler), ReadHeaderTimeout: 60 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Printf(ctx, "Nexus service %q listening on %q", p.ServiceName(), addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Printf(ctx, "shutting down Nexus service at %q", addr)
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

func serveNamespaceTemporal(ctx context.Context, cfg TemporalConfig, queue string, tel telemetry.Bundle, name string, ts provider.Toolset, opts []provider.Option) error {
	eng, err := newTemporalEngine(ctx, cfg, queue, tel, false)
	if err != nil {
		return err
	}
	defer eng.Close()
	jobs, err := eng.NewToolJobs(name, ts, temporal.ToolJobOptions{})
	if err != nil {
		return err
	}
	p := provider.New(name, ts, append(opts, provider.WithJobs(jobs))...)
	svc, err := p.Service()
	if err != nil {
		return err
	}
	if err := eng.RegisterNexusService(svc); err != nil {
		return err
	}
	if err := eng.Worker().Start(); err != nil {
		return err
	}
	log.Printf(ctx, "Nexus service %q registered on task queue %q; route an endpoint to it with: "+
		"temporal operator nexus endpoint create --name <endpoint> --target-namespace %s --target-task-queue %s",
		p.ServiceName(), queue, cfg.Namespace, queue)
	<-ctx.Done()
	return nil
}
