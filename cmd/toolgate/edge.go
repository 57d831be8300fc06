package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/skilder-ai/toolgate/config"
	"github.com/skilder-ai/toolgate/edge"
	"github.com/skilder-ai/toolgate/registry"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/toolhost"
)

func newEdgeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "edge",
		Short: "Run a worker runtime hosting the tool providers listed under edge.providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, err := g.setup()
			if err != nil {
				return err
			}
			defer cancel()
			return runEdge(ctx, cfg)
		},
	}
}

func runEdge(ctx context.Context, cfg *config.Config) error {
	if cfg.Edge.WorkspaceKey == "" {
		return errors.New("edge.workspaceKey is required")
	}
	pcs, err := edgeProviders(cfg)
	if err != nil {
		return err
	}
	b, err := openBackends(ctx, cfg)
	if err != nil {
		log.Errorf(ctx, err, "failed to start")
		return err
	}
	defer func() {
		if err := b.Close(context.WithoutCancel(ctx)); err != nil {
			log.Errorf(ctx, err, "failed to release resources")
		}
	}()

	hosts, err := toolhost.OpenAll(ctx, pcs, cfg.Edge.Roots)
	if err != nil {
		log.Errorf(ctx, err, "some tool providers failed to open")
	}
	defer func() { _ = hosts.Close() }()

	d, err := describe(cfg, pcs)
	if err != nil {
		return err
	}
	agent, err := edge.New(edge.Options{
		Bus:               b.bus,
		Hosts:             hosts,
		WorkspaceKey:      cfg.Edge.WorkspaceKey,
		Descriptor:        d,
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Logger:            b.logger,
		Metrics:           b.metrics,
	})
	if err != nil {
		return err
	}
	return agent.Run(ctx)
}

// edgeProviders resolves the provider IDs of the edge section against the
// providers declared by the tenants.
func edgeProviders(cfg *config.Config) ([]config.ProviderConfig, error) {
	byID := make(map[string]config.ProviderConfig)
	for _, t := range cfg.Tenants {
		for _, pc := range t.Providers {
			byID[pc.ID] = pc
		}
	}
	out := make([]config.ProviderConfig, 0, len(cfg.Edge.Providers))
	for _, id := range cfg.Edge.Providers {
		pc, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("edge provider %q is not declared by any tenant", id)
		}
		out = append(out, pc)
	}
	return out, nil
}

func describe(cfg *config.Config, pcs []config.ProviderConfig) (registry.Descriptor, error) {
	hostname, _ := os.Hostname()
	d := registry.Descriptor{
		Name:          cfg.Edge.Name,
		Kind:          store.KindEdge,
		Capabilities:  cfg.Edge.Capabilities,
		HostIP:        hostIP(),
		Hostname:      hostname,
		ProcessID:     os.Getpid(),
		DeclaredRoots: cfg.Edge.Roots,
	}
	if d.Name == "" {
		d.Name = hostname
	}
	for _, pc := range pcs {
		t := store.TransportStdio
		if pc.Transport != "" {
			var err error
			if t, err = store.ParseTransport(pc.Transport); err != nil {
				return d, fmt.Errorf("provider %q: %w", pc.ID, err)
			}
		}
		spec := registry.ProviderSpec{ID: pc.ID, Transport: t}
		if pc.Builtin != "" {
			spec.Config, _ = json.Marshal(map[string]string{"builtin": pc.Builtin})
		}
		d.Providers = append(d.Providers, spec)
	}
	return d, nil
}

// hostIP returns the first non-loopback IPv4 address of the host.
func hostIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
			return ipn.IP.String()
		}
	}
	return ""
}
