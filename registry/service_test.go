package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skilder-ai/toolgate"
	"github.com/skilder-ai/toolgate/bus"
	businmem "github.com/skilder-ai/toolgate/bus/inmem"
	"github.com/skilder-ai/toolgate/store"
	"github.com/skilder-ai/toolgate/tenancy"
)

func newService(t *testing.T, f *fixture) (*Service, bus.Bus) {
	t.Helper()
	b := businmem.New()
	resolver := tenancy.NewStaticResolver()
	resolver.AddWorkspaceKey("WSK_acme", "acme")
	resolver.AddSkillKey("SKL_acme", "acme", "skill-1")
	svc, err := NewService(ServiceOptions{
		Registry: f.reg,
		Syncer:   NewSyncer(b, f.reg, f.store, SyncerOptions{Timeout: time.Second}),
		Guard:    tenancy.NewGuard(resolver),
		Bus:      b,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() {
		_ = svc.Close(context.Background())
		_ = b.Close(context.Background())
	})
	return svc, b
}

func control(t *testing.T, b bus.Bus, req *ControlRequest) *ControlReply {
	t.Helper()
	msg, err := bus.NewMessage(bus.TypeControl, req)
	require.NoError(t, err)
	resp, err := bus.Request(context.Background(), b, tenancy.ControlSubject, msg, 2*time.Second)
	require.NoError(t, err)
	var reply ControlReply
	require.NoError(t, resp.Decode(&reply))
	return &reply
}

func tools(names ...string) []ToolSpec {
	specs := make([]ToolSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, ToolSpec{Name: n, InputSchema: json.RawMessage(`{"type":"object"}`)})
	}
	return specs
}

func activeTools(t *testing.T, st store.Tools, provider string) []string {
	t.Helper()
	list, err := st.ListTools(context.Background(), "acme", provider)
	require.NoError(t, err)
	var names []string
	for _, tl := range list {
		if tl.Status == store.Active {
			names = append(names, tl.Name)
		}
	}
	return names
}

func TestServiceAnnounceReconcilesInventory(t *testing.T) {
	f := newFixture(t)
	_, b := newService(t, f)
	d := laptop()

	reply := control(t, b, &ControlRequest{
		Op:         OpAnnounce,
		Key:        "WSK_acme",
		Descriptor: &d,
		Inventory:  &Inventory{Providers: []ProviderTools{{ProviderID: "fs", Tools: tools("list_directory", "read_file")}}},
	})
	require.Nil(t, reply.Error)
	require.NotEmpty(t, reply.RuntimeID)
	assert.Equal(t, "acme", reply.Tenant)
	assert.ElementsMatch(t, []string{"list_directory", "read_file"}, activeTools(t, f.store, "fs"))

	again := control(t, b, &ControlRequest{Op: OpAnnounce, Key: "WSK_acme", Descriptor: &d})
	assert.Equal(t, reply.RuntimeID, again.RuntimeID)
}

func TestServiceRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	_, b := newService(t, f)
	d := laptop()

	for _, key := range []string{"", "WSK_unknown", "SKL_acme"} {
		reply := control(t, b, &ControlRequest{Op: OpAnnounce, Key: key, Descriptor: &d})
		require.NotNil(t, reply.Error, key)
		assert.Equal(t, toolgate.KindAuthRejected, reply.Error.Kind)
		assert.Equal(t, "rejected", reply.Error.Message)
	}
	active, err := f.reg.ListActive(context.Background(), acme)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestServiceHeartbeatSyncsTools(t *testing.T) {
	f := newFixture(t)
	_, b := newService(t, f)
	d := laptop()
	reply := control(t, b, &ControlRequest{
		Op:         OpAnnounce,
		Key:        "WSK_acme",
		Descriptor: &d,
		Inventory:  &Inventory{Providers: []ProviderTools{{ProviderID: "fs", Tools: tools("a", "b")}}},
	})
	require.Nil(t, reply.Error)
	id := reply.RuntimeID

	// The runtime now only reports tool a.
	sub, err := b.Subscribe(context.Background(), acme.RuntimeDiscoverySubject(id), "runtime", func(ctx context.Context, msg *bus.Message) error {
		resp, err := bus.NewMessage(bus.TypeTools, &Inventory{Providers: []ProviderTools{{ProviderID: "fs", Tools: tools("a")}}})
		if err != nil {
			return err
		}
		return bus.Reply(ctx, b, msg, resp)
	})
	require.NoError(t, err)
	defer func() { _ = sub.Close(context.Background()) }()

	hb := control(t, b, &ControlRequest{Op: OpHeartbeat, Key: "WSK_acme", RuntimeID: id, Descriptor: &d})
	require.Nil(t, hb.Error)
	assert.Equal(t, id, hb.RuntimeID)

	require.Eventually(t, func() bool {
		names := activeTools(t, f.store, "fs")
		return len(names) == 1 && names[0] == "a"
	}, 2*time.Second, 10*time.Millisecond)
	all, err := f.store.ListTools(context.Background(), "acme", "fs")
	require.NoError(t, err)
	assert.Len(t, all, 2, "missing tools are kept INACTIVE")
}

func TestServiceHeartbeatReannouncesLostRuntime(t *testing.T) {
	f := newFixture(t)
	_, b := newService(t, f)
	d := laptop()

	hb := control(t, b, &ControlRequest{Op: OpHeartbeat, Key: "WSK_acme", RuntimeID: "forgotten", Descriptor: &d})
	require.Nil(t, hb.Error)
	assert.NotEqual(t, "forgotten", hb.RuntimeID)
	rec, err := f.reg.Get(context.Background(), acme, hb.RuntimeID)
	require.NoError(t, err)
	assert.Equal(t, "laptop", rec.Name)

	bare := control(t, b, &ControlRequest{Op: OpHeartbeat, Key: "WSK_acme", RuntimeID: "forgotten"})
	require.NotNil(t, bare.Error)
	assert.Equal(t, toolgate.KindNotFound, bare.Error.Kind)
}

func TestServiceShutdown(t *testing.T) {
	f := newFixture(t)
	_, b := newService(t, f)
	d := laptop()
	reply := control(t, b, &ControlRequest{Op: OpAnnounce, Key: "WSK_acme", Descriptor: &d})
	require.Nil(t, reply.Error)

	down := control(t, b, &ControlRequest{Op: OpShutdown, Key: "WSK_acme", RuntimeID: reply.RuntimeID})
	require.Nil(t, down.Error)
	rec, err := f.reg.Get(context.Background(), acme, reply.RuntimeID)
	require.NoError(t, err)
	assert.Equal(t, store.Inactive, rec.Lifecycle)
}

func TestServiceUnknownOperation(t *testing.T) {
	f := newFixture(t)
	_, b := newService(t, f)
	reply := control(t, b, &ControlRequest{Op: "reboot", Key: "WSK_acme"})
	require.NotNil(t, reply.Error)
	assert.Equal(t, toolgate.KindProtocolMalformed, reply.Error.Kind)
}

func TestSyncerIgnoresForeignProviders(t *testing.T) {
	f := newFixture(t)
	b := businmem.New()
	s := NewSyncer(b, f.reg, f.store, SyncerOptions{})
	ctx := context.Background()
	id, err := f.reg.Announce(ctx, acme, laptop())
	require.NoError(t, err)

	err = s.Reconcile(ctx, acme, id, Inventory{Providers: []ProviderTools{
		{ProviderID: "fs", Tools: tools("x")},
		{ProviderID: "not-mine", Tools: tools("y")},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, activeTools(t, f.store, "fs"))
	assert.Empty(t, activeTools(t, f.store, "not-mine"))
}

func TestSweeperRunsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	id, err := f.reg.Announce(ctx, acme, laptop())
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	done := make(chan error, 1)
	go func() { done <- NewSweeper(f.reg, SweeperOptions{Interval: 5 * time.Millisecond}).Run(ctx) }()
	require.Eventually(t, func() bool {
		rec, err := f.reg.Get(ctx, acme, id)
		return err == nil && rec.Lifecycle == store.Inactive
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
