package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	gopenai "github.com/sashabaranov/go-openai"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.temporal.io/sdk/client"
	"goa.design/clue/health"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"

	journalmongo "goa.design/agentloop/features/journal/mongo"
	journalmongoclient "goa.design/agentloop/features/journal/mongo/clients/mongo"
	journalredis "goa.design/agentloop/features/journal/redis"
	"goa.design/agentloop/features/model/middleware"
	openaiplanner "goa.design/agentloop/features/model/openai"
	sessionmongo "goa.design/agentloop/features/session/mongo"
	sessionmongoclient "goa.design/agentloop/features/session/mongo/clients/mongo"
	"goa.design/agentloop/features/tools/calculator"
	"goa.design/agentloop/features/tools/weather"
	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/effect"
	"goa.design/agentloop/runtime/agent/engine"
	"goa.design/agentloop/runtime/agent/engine/inmem"
	"goa.design/agentloop/runtime/agent/engine/temporal"
	"goa.design/agentloop/runtime/agent/journal"
	journalinmem "goa.design/agentloop/runtime/agent/journal/inmem"
	"goa.design/agentloop/runtime/agent/planner"
	"goa.design/agentloop/runtime/agent/runtime"
	"goa.design/agentloop/runtime/agent/session"
	sessioninmem "goa.design/agentloop/runtime/agent/session/inmem"
	"goa.design/agentloop/runtime/agent/telemetry"
	"goa.design/agentloop/runtime/toolregistry"
)

// rateLimitMap names the Pulse replicated map holding shared planner budgets.
const rateLimitMap = "agentloop_ratelimit"

// wiring holds the components built from the configuration and releases
// them in reverse order of construction.
type wiring struct {
	cfg *Config
	tel telemetry.Bundle

	runtime  *runtime.Runtime
	temporal *temporal.Engine

	mongoClients map[string]*mongodriver.Client
	pingers      []health.Pinger
	closers      []func()
}

// wireRuntime builds the runtime described by cfg and registers the session
// workflow. With worker set, a Temporal engine starts its workers on the
// first session start; otherwise it only acts as a client and planning never
// runs in this process.
func wireRuntime(ctx context.Context, cfg *Config, worker bool) (w *wiring, err error) {
	w = &wiring{cfg: cfg, tel: telemetry.NewClueBundle(ctx), mongoClients: map[string]*mongodriver.Client{}}
	defer func() {
		if err != nil {
			w.Close()
		}
	}()
	eng, err := w.engine(ctx, worker)
	if err != nil {
		return nil, err
	}
	store, err := w.sessionStore(ctx)
	if err != nil {
		return nil, err
	}
	var p planner.Planner = remotePlanner{}
	if worker || cfg.Engine == engineInmem {
		if p, err = w.planner(ctx); err != nil {
			return nil, err
		}
	}
	local, err := localToolset(cfg.LocalTools)
	if err != nil {
		return nil, err
	}
	eps, policies := cfg.endpoints()
	rt, err := runtime.New(runtime.Options{
		Engine:         eng,
		Planner:        p,
		LocalTools:     local,
		SessionStore:   store,
		Namespaces:     eps,
		MaxToolCalls:   cfg.MaxToolCalls,
		TaskQueue:      cfg.Temporal.TaskQueue,
		NamespaceRetry: policies,
		Telemetry:      w.tel,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	if err := rt.Register(ctx); err != nil {
		return nil, fmt.Errorf("register session workflow: %w", err)
	}
	w.runtime = rt
	return w, nil
}

// Close releases everything the wiring opened.
func (w *wiring) Close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
	w.closers = nil
}

// Checker returns a health checker over the backing stores.
func (w *wiring) Checker() health.Checker {
	return health.NewChecker(w.pingers...)
}

func (w *wiring) engine(ctx context.Context, worker bool) (engine.Engine, error) {
	if w.cfg.Engine == engineTemporal {
		eng, err := newTemporalEngine(ctx, w.cfg.Temporal, w.cfg.Temporal.TaskQueue, w.tel, !worker)
		if err != nil {
			return nil, err
		}
		w.temporal = eng
		w.closers = append(w.closers, eng.Close)
		return eng, nil
	}
	store, err := w.journalStore(ctx)
	if err != nil {
		return nil, err
	}
	eng := inmem.New(store, inmem.WithTelemetry(w.tel))
	w.closers = append(w.closers, eng.Close)
	return eng, nil
}

func newTemporalEngine(ctx context.Context, cfg TemporalConfig, queue string, tel telemetry.Bundle, clientOnly bool) (*temporal.Engine, error) {
	eng, err := temporal.New(temporal.Options{
		ClientOptions: &client.Options{
			HostPort:  cfg.HostPort,
			Namespace: cfg.Namespace,
		},
		WorkerOptions:          temporal.WorkerOptions{TaskQueue: queue},
		DisableWorkerAutoStart: clientOnly,
		Telemetry:              tel,
		LogContext:             ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("create temporal engine: %w", err)
	}
	return eng, nil
}

func (w *wiring) journalStore(ctx context.Context) (journal.Store, error) {
	jc := w.cfg.Journal
	switch jc.Backend {
	case backendMongo:
		mc, err := w.mongo(ctx, jc.Mongo.URI)
		if err != nil {
			return nil, err
		}
		c, err := journalmongoclient.New(journalmongoclient.Options{Client: mc, Database: jc.Mongo.Database})
		if err != nil {
			return nil, fmt.Errorf("create mongo journal: %w", err)
		}
		w.pingers = append(w.pingers, c)
		return journalmongo.NewStore(c)
	case backendRedis:
		rdb, err := w.redis(ctx, jc.Redis)
		if err != nil {
			return nil, err
		}
		s, err := journalredis.New(journalredis.Options{Client: rdb})
		if err != nil {
			return nil, fmt.Errorf("create redis journal: %w", err)
		}
		w.pingers = append(w.pingers, s)
		return s, nil
	default:
		log.Info(ctx, log.KV{K: "msg", V: "journal kept in memory, sessions do not survive a restart"})
		return journalinmem.New(), nil
	}
}

func (w *wiring) sessionStore(ctx context.Context) (session.Store, error) {
	sc := w.cfg.Sessions
	if sc.Backend != backendMongo {
		return sessioninmem.New(), nil
	}
	mc, err := w.mongo(ctx, sc.Mongo.URI)
	if err != nil {
		return nil, err
	}
	c, err := sessionmongoclient.New(sessionmongoclient.Options{Client: mc, Database: sc.Mongo.Database})
	if err != nil {
		return nil, fmt.Errorf("create mongo session store: %w", err)
	}
	w.pingers = append(w.pingers, c)
	return sessionmongo.NewStore(c)
}

func (w *wiring) planner(ctx context.Context) (planner.Planner, error) {
	pc := w.cfg.Planner
	var p planner.Planner
	switch pc.Kind {
	case plannerMock:
		p = planner.Mock{Response: pc.Response}
	default:
		key := os.Getenv(pc.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("planner: environment variable %s is not set", pc.APIKeyEnv)
		}
		oc := gopenai.DefaultConfig(key)
		if pc.BaseURL != "" {
			oc.BaseURL = pc.BaseURL
		}
		op, err := openaiplanner.New(openaiplanner.Options{
			Client:      gopenai.NewClientWithConfig(oc),
			Model:       pc.Model,
			Temperature: pc.Temperature,
			Logger:      w.tel.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create planner: %w", err)
		}
		p = op
	}
	rl := pc.RateLimit
	if rl.MaxTPM <= 0 {
		return p, nil
	}
	initial := rl.InitialTPM
	if initial == 0 {
		initial = rl.MaxTPM
	}
	var limiter *middleware.AdaptiveRateLimiter
	if rl.Redis.Addr != "" {
		rdb, err := w.redis(ctx, rl.Redis)
		if err != nil {
			return nil, err
		}
		m, err := rmap.Join(ctx, rateLimitMap, rdb)
		if err != nil {
			return nil, fmt.Errorf("join rate limit map: %w", err)
		}
		w.closers = append(w.closers, func() { m.Close() })
		limiter = middleware.NewClusterAdaptiveRateLimiter(ctx, m, rl.Key, initial, rl.MaxTPM)
	} else {
		limiter = middleware.NewAdaptiveRateLimiter(initial, rl.MaxTPM)
	}
	return planner.Chain(p, limiter.Middleware()), nil
}

// mongo connects once per URI.
func (w *wiring) mongo(ctx context.Context, uri string) (*mongodriver.Client, error) {
	if c, ok := w.mongoClients[uri]; ok {
		return c, nil
	}
	c, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	w.mongoClients[uri] = c
	w.closers = append(w.closers, func() {
		if err := c.Disconnect(context.Background()); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "disconnect mongo"})
		}
	})
	return c, nil
}

func (w *wiring) redis(ctx context.Context, rc RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	w.closers = append(w.closers, func() {
		if err := rdb.Close(); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "close redis"})
		}
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis %s: %w", rc.Addr, err)
	}
	return rdb, nil
}

func localToolset(names []string) (*toolregistry.Toolset, error) {
	ts := toolregistry.NewToolset()
	for _, name := range names {
		var err error
		switch name {
		case "calculator":
			err = calculator.Register(ts)
		case "weather":
			err = weather.Register(ts)
		default:
			err = fmt.Errorf("unknown local tool %q", name)
		}
		if err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// remotePlanner stands in for the planner in processes that only talk to
// sessions hosted by Temporal workers.
type remotePlanner struct{}

var errRemotePlanner = errors.New("planning runs on the orchestrator workers")

func (remotePlanner) Plan(context.Context, *api.PlanInput) (*api.PlanDecision, error) {
	return nil, fmt.Errorf("%w: %w", effect.ErrFatal, errRemotePlanner)
}
