package main

import (
	"context"
	"errors"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/skilder-ai/toolgate/config"
	"github.com/skilder-ai/toolgate/edge"
	"github.com/skilder-ai/toolgate/gateway"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/tenancy"
	"github.com/skilder-ai/toolgate/toolhost"
)

func newStdioCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve one agent session over standard input and output",
		Long: "Serve one agent session over standard input and output.\n\n" +
			"Credentials are read from WORKSPACE_KEY and SKILL_NAME, or from SKILL_KEY.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, err := g.setup()
			if err != nil {
				return err
			}
			defer cancel()
			return serveStdio(ctx, cfg)
		},
	}
}

func serveStdio(ctx context.Context, cfg *config.Config) error {
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

	auth := gateway.NewAuthenticator(c.guard, c.store, c.logger)
	sess, err := auth.Authenticate(ctx, tenancy.CredentialsFromEnv(os.LookupEnv), gateway.BindingStdio)
	if err != nil {
		return err
	}

	pcs, err := embeddedProviders(ctx, c, cfg, sess)
	if err != nil {
		return err
	}
	if len(pcs) > 0 {
		hosts, err := toolhost.OpenAll(ctx, pcs, cfg.Edge.Roots)
		if err != nil {
			log.Errorf(ctx, err, "some embedded providers failed to open")
		}
		defer func() { _ = hosts.Close() }()
		ids, err := edge.Register(ctx, c.store, sess.Scope, sess.ID, hosts, store.TransportStdio)
		if err != nil {
			log.Errorf(ctx, err, "some embedded providers failed to list tools")
		}
		defer func() {
			if err := edge.Unregister(context.WithoutCancel(ctx), c.store, sess.Scope, ids); err != nil {
				log.Errorf(ctx, err, "failed to retire embedded tools")
			}
		}()
		sess.Embedded = ids
		emb, err := edge.NewEmbedded(c.bus, hosts, sess.Scope, sess.ID, c.logger, c.metrics)
		if err != nil {
			return err
		}
		if err := emb.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = emb.Close(context.WithoutCancel(ctx)) }()
	}

	d, err := gateway.NewDispatcher(gateway.DispatcherOptions{
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
	c.logger.Info(ctx, "stdio session opened", "tenant", sess.Scope.Tenant, "session", sess.ID, "embedded", len(sess.Embedded))
	err = gateway.ServeStdio(ctx, d, sess, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// embeddedProviders returns the agent-embedded providers of the session's
// tenant, restricted to the providers of its skill when the skill names any.
func embeddedProviders(ctx context.Context, c *core, cfg *config.Config, sess *gateway.Session) ([]config.ProviderConfig, error) {
	sk, err := c.store.GetSkill(ctx, sess.Scope.Tenant, sess.SkillID)
	if err != nil {
		return nil, err
	}
	var out []config.ProviderConfig
	for _, t := range cfg.Tenants {
		if t.ID != sess.Scope.Tenant {
			continue
		}
		for _, pc := range t.Providers {
			target, err := store.ParseTarget(pc.Target)
			if err != nil || target != store.TargetEmbedded {
				continue
			}
			if len(sk.Providers) > 0 && !slices.Contains(sk.Providers, pc.ID) {
				continue
			}
			out = append(out, pc)
		}
	}
	return out, nil
}
