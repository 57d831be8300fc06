package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/skilder-ai/toolgate/config"
	"github.com/skilder-ai/toolgate/gateway"
	"github.com/skilder-ai/toolgate/ratelimit"
	"github.com/skilder-ai/toolgate/registry"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway and the runtime registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, err := g.setup()
			if err != nil {
				return err
			}
			defer cancel()
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			return serve(ctx, g, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides http.addr")
	return cmd
}

func serve(ctx context.Context, g *globalFlags, cfg *config.Config) error {
	if cfg.Session.Secret == "" {
		return errors.New("session.secret is required to serve HTTP sessions")
	}
	c, err := openCore(ctx, cfg)
	if err != nil {
		log.Errorf(ctx, err, "failed to start")
		return err
	}
	defer func() {
		if err := c.Close(context.WithoutCancel(ctx)); err != nil {
			log.Errorf(ctx, err, "failed to release resources")
		}
	}()

	syncer := registry.NewSyncer(c.bus, c.registry, c.store, registry.SyncerOptions{
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	svc, err := registry.NewService(registry.ServiceOptions{
		Registry: c.registry,
		Syncer:   syncer,
		Guard:    c.guard,
		Bus:      c.bus,
		Logger:   c.logger,
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	c.onClose(svc.Close)

	node, err := c.poolNode(ctx)
	if err != nil {
		return err
	}
	sweeper := registry.NewSweeper(c.registry, registry.SweeperOptions{
		Interval:   cfg.Registry.SweepInterval,
		Node:       node,
		TickerName: cfg.ClusterName + ":sweep",
		Logger:     c.logger,
	})

	proxies, err := ratelimit.ParseProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return fmt.Errorf("rateLimit.trustedProxies: %w", err)
	}
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Max > 0 {
		limiter, err = ratelimit.New(c.cache, ratelimit.Options{
			Max:    int64(cfg.RateLimit.Max),
			Window: cfg.RateLimit.Window,
		})
		if err != nil {
			return err
		}
	}
	sessions, err := gateway.NewSessions(c.cache, []byte(cfg.Session.Secret), cfg.Session.MaxAge)
	if err != nil {
		return err
	}
	dispatcher, err := gateway.NewDispatcher(gateway.DispatcherOptions{
		Router:         c.router,
		ServerName:     "toolgate",
		ServerVersion:  version,
		CallsPerSecond: cfg.Session.CallsPerSecond,
		Burst:          cfg.Session.Burst,
		Logger:         c.logger,
		Metrics:        c.metrics,
	})
	if err != nil {
		return err
	}
	srv, err := gateway.NewServer(gateway.Options{
		Authenticator: gateway.NewAuthenticator(c.guard, c.store, c.logger),
		Sessions:      sessions,
		Dispatcher:    dispatcher,
		Bus:           c.bus,
		Limiter:       limiter,
		Proxies:       proxies,
		Pingers:       c.pingers,
		Debug:         g.debug,
		Logger:        c.logger,
		Metrics:       c.metrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	var wg sync.WaitGroup
	errc := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweeper.Run(ctx); err != nil {
			errc <- fmt.Errorf("registry sweeper: %w", err)
		}
	}()
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Handler(ctx),
		ReadHeaderTimeout: 60 * time.Second,
	}
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
		log.Errorf(ctx, err, "gateway stopped")
	}
	stop()
	log.Printf(ctx, "shutting down HTTP server at %q", cfg.HTTP.Addr)

	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer scancel()
	// Event streams never end on their own, close them before draining.
	if cerr := srv.Close(sctx); cerr != nil {
		log.Errorf(ctx, cerr, "event streams did not drain")
	}
	if serr := httpSrv.Shutdown(sctx); serr != nil {
		log.Errorf(ctx, serr, "failed to shutdown")
	}
	wg.Wait()
	return err
}
