package main

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/pulse/pool"
	"goa.design/pulse/rmap"

	"github.com/skilder-ai/toolgate/bus"
	businmem "github.com/skilder-ai/toolgate/bus/inmem"
	pulsebus "github.com/skilder-ai/toolgate/bus/pulse"
	"github.com/skilder-ai/toolgate/cache"
	cacheinmem "github.com/skilder-ai/toolgate/cache/inmem"
	cacheredis "github.com/skilder-ai/toolgate/cache/redis"
	"github.com/skilder-ai/toolgate/config"
	"github.com/skilder-ai/toolgate/registry"
	"github.com/skilder-ai/toolgate/router"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/store/memory"
	mongostore "github.com/skilder-ai/toolgate/store/mongo"
	"github.com/skilder-ai/toolgate/store/replicated"
	"github.com/skilder-ai/toolgate/telemetry"
	"github.com/skilder-ai/toolgate/tenancy"
)

type (
	// backends are the shared transports: the KeyedCache and the MessageBus.
	// Both live in Redis when one is configured and in process otherwise.
	backends struct {
		cfg     *config.Config
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		rdb     *redis.Client
		cache   cache.Cache
		bus     bus.Bus
		pingers []health.Pinger
		closers []func(context.Context) error
	}

	// core adds the catalog, the registry and the router on top of the
	// backends.
	core struct {
		*backends
		store    store.Store
		registry *registry.Registry
		guard    *tenancy.Guard
		resolver *tenancy.StaticResolver
		router   *router.Router
	}
)

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{
		cfg:     cfg,
		logger:  telemetry.NewClueLogger(),
		metrics: telemetry.NewOtelMetrics(),
		tracer:  telemetry.NewOtelTracer(),
	}
	if !cfg.Redis.Enabled() {
		b.logger.Warn(ctx, "no redis configured, using in-process cache and bus")
		b.cache = cacheinmem.New()
		b.bus = businmem.New()
		b.onClose(b.bus.Close)
		return b, nil
	}
	opts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if cfg.Redis.URL != "" {
		var err error
		if opts, err = redis.ParseURL(cfg.Redis.URL); err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	}
	b.rdb = redis.NewClient(opts)
	b.onClose(func(context.Context) error { return b.rdb.Close() })
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("connect to redis %s: %w", opts.Addr, err)
	}
	b.pingers = append(b.pingers, redisPinger{b.rdb})
	c, err := cacheredis.New(b.rdb)
	if err != nil {
		_ = b.Close(ctx)
		return nil, err
	}
	b.cache = c
	pb, err := pulsebus.New(pulsebus.Options{Redis: b.rdb, Logger: b.logger})
	if err != nil {
		_ = b.Close(ctx)
		return nil, fmt.Errorf("create pulse bus: %w", err)
	}
	b.bus = pb
	b.onClose(pb.Close)
	return b, nil
}

// onClose registers a release function. Close runs them in reverse order.
func (b *backends) onClose(fn func(context.Context) error) {
	b.closers = append(b.closers, fn)
}

// Close releases everything the process opened.
func (b *backends) Close(ctx context.Context) error {
	var errs []error
	for _, fn := range slices.Backward(b.closers) {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func openCore(ctx context.Context, cfg *config.Config) (*core, error) {
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := &core{backends: b}
	if err := c.init(ctx); err != nil {
		_ = b.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return c, nil
}

func (c *core) init(ctx context.Context) error {
	st, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	c.store = st
	c.resolver = tenancy.NewStaticResolver()
	if err := seedTenants(ctx, c.cfg, st, c.resolver); err != nil {
		return err
	}
	c.guard = tenancy.NewGuard(c.resolver)
	c.registry, err = registry.New(registry.Options{
		Cache:         c.cache,
		Store:         st,
		StaleDeadline: c.cfg.Registry.StaleDeadline,
		Logger:        c.logger,
		Metrics:       c.metrics,
	})
	if err != nil {
		return err
	}
	c.router, err = router.New(router.Options{
		Store:       st,
		Owners:      c.registry,
		Bus:         c.bus,
		CallTimeout: c.cfg.Router.CallTimeout,
		Logger:      c.logger,
		Metrics:     c.metrics,
		Tracer:      c.tracer,
	})
	return err
}

// openStore selects the persistence collaborator: MongoDB when configured,
// else a Pulse replicated map shared through Redis, else process memory.
func (c *core) openStore(ctx context.Context) (store.Store, error) {
	switch {
	case c.cfg.Mongo.URI != "":
		client, err := mongo.Connect(options.Client().ApplyURI(c.cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("connect to mongo: %w", err)
		}
		c.onClose(client.Disconnect)
		c.pingers = append(c.pingers, mongoPinger{client})
		st, err := mongostore.New(ctx, client.Database(c.cfg.Mongo.Database))
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		return st, nil
	case c.rdb != nil:
		m, err := rmap.Join(ctx, c.cfg.ClusterName+":catalog", c.rdb)
		if err != nil {
			return nil, fmt.Errorf("join catalog map: %w", err)
		}
		c.onClose(func(context.Context) error { m.Close(); return nil })
		return replicated.New(m), nil
	default:
		return memory.New(), nil
	}
}

// seedTenants loads the tenants of cfg: workspace keys into resolver,
// skills into st.
func seedTenants(ctx context.Context, cfg *config.Config, st store.Skills, resolver *tenancy.StaticResolver) error {
	for _, t := range cfg.Tenants {
		for _, k := range t.WorkspaceKeys {
			resolver.AddWorkspaceKey(k, t.ID)
		}
		for _, s := range t.Skills {
			sk, err := st.CreateSkill(ctx, &store.Skill{
				ID:        s.ID,
				Tenant:    t.ID,
				Name:      s.Name,
				Providers: s.Providers,
			})
			if err != nil {
				return fmt.Errorf("tenant %q: create skill %q: %w", t.ID, s.Name, err)
			}
			if s.Key != "" {
				resolver.AddSkillKey(s.Key, t.ID, sk.ID)
			}
		}
	}
	return nil
}

// poolNode joins the Pulse pool used for the distributed sweep ticker.
func (c *core) poolNode(ctx context.Context) (*pool.Node, error) {
	if c.rdb == nil {
		return nil, nil
	}
	node, err := pool.AddNode(ctx, c.cfg.ClusterName, c.rdb)
	if err != nil {
		return nil, fmt.Errorf("join pool: %w", err)
	}
	c.onClose(node.Close)
	return node, nil
}

type redisPinger struct{ rdb *redis.Client }

func (redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.rdb.Ping(ctx).Err() }

type mongoPinger struct{ client *mongo.Client }

func (mongoPinger) Name() string { return "mongo" }

func (p mongoPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx, nil) }
