package registry

import (
	"context"
	"fmt"
	"time"

	"goa.design/pulse/pool"

	"github.com/skilder-ai/toolgate/telemetry"
)

type (
	// Sweeper periodically marks stale runtimes INACTIVE.
	//
	// When a Pulse pool node is configured the sweeper uses a distributed
	// ticker: every gateway instance runs a Sweeper but only one of them
	// receives each tick, with automatic failover if that instance dies.
	// Without a node the sweeper ticks locally; concurrent sweeps are still
	// safe because each transition is a compare-and-swap.
	Sweeper struct {
		registry *Registry
		interval time.Duration
		deadline time.Duration
		node     *pool.Node
		name     string
		logger   telemetry.Logger
	}

	// SweeperOptions configures a Sweeper.
	SweeperOptions struct {
		// Interval between sweeps. Defaults to a third of the deadline.
		Interval time.Duration
		// Deadline overrides the registry stale deadline.
		Deadline time.Duration
		// Node enables the distributed ticker.
		Node *pool.Node
		// TickerName names the distributed ticker. Instances sharing a name
		// share ticks.
		TickerName string
		Logger     telemetry.Logger
	}
)

// NewSweeper returns a Sweeper for reg.
func NewSweeper(reg *Registry, opts SweeperOptions) *Sweeper {
	s := &Sweeper{
		registry: reg,
		interval: opts.Interval,
		deadline: opts.Deadline,
		node:     opts.Node,
		name:     opts.TickerName,
		logger:   opts.Logger,
	}
	if s.deadline <= 0 {
		s.deadline = reg.StaleDeadline()
	}
	if s.interval <= 0 {
		s.interval = s.deadline / 3
	}
	if s.name == "" {
		s.name = "toolgate:registry:sweep"
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	return s
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticks, stop, err := s.ticker(ctx)
	if err != nil {
		return err
	}
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticks:
			if _, err := s.registry.MarkInactiveIfStale(ctx, s.deadline); err != nil {
				s.logger.Error(ctx, "registry sweep failed", "err", err)
			}
		}
	}
}

func (s *Sweeper) ticker(ctx context.Context) (<-chan time.Time, func(), error) {
	if s.node == nil {
		t := time.NewTicker(s.interval)
		return t.C, t.Stop, nil
	}
	t, err := s.node.NewTicker(ctx, s.name, s.interval)
	if err != nil {
		return nil, nil, fmt.Errorf("create distributed ticker: %w", err)
	}
	return t.C, t.Stop, nil
}
