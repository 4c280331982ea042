package registry

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/peermesh/pkg/model"
	"github.com/daviddao/peermesh/pkg/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T, opts ...Option) (*Registry, *fakeClock) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clk := &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithNow(clk.Now)}, opts...)
	return New(s, opts...), clk
}

func TestRegister_Defaults(t *testing.T) {
	r, _ := setup(t)

	id, err := r.Register(model.RegisterInfo{Capabilities: []string{"build"}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	inst, ok, err := r.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.DefaultMaxCapacity, inst.MaxCapacity)
	assert.True(t, strings.HasSuffix(inst.Hostname, "-"+id[:8]), "hostname %q", inst.Hostname)
	assert.Equal(t, []string{"build"}, inst.Capabilities)
}

func TestRegister_FreshIDs(t *testing.T) {
	r, _ := setup(t)
	a, err := r.Register(model.RegisterInfo{Hostname: "h"})
	require.NoError(t, err)
	b, err := r.Register(model.RegisterInfo{Hostname: "h"})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestGet_Unknown(t *testing.T) {
	r, _ := setup(t)
	inst, ok, err := r.Get("nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, inst)
}

func TestDiscover_OrderAndStaleness(t *testing.T) {
	r, clk := setup(t, WithStaleTimeout(5*time.Minute))

	old, _ := r.Register(model.RegisterInfo{Hostname: "old", CurrentLoad: 0})
	clk.Advance(6 * time.Minute)
	heavy, _ := r.Register(model.RegisterInfo{Hostname: "heavy", CurrentLoad: 8})
	light, _ := r.Register(model.RegisterInfo{Hostname: "light", CurrentLoad: 2})

	live, err := r.Discover(false)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, light, live[0].ID)
	assert.Equal(t, heavy, live[1].ID)

	all, err := r.Discover(true)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, old, all[0].ID, "load 0 sorts first when stale instances are included")
}

func TestHeartbeatAndLoad(t *testing.T) {
	r, clk := setup(t)
	id, _ := r.Register(model.RegisterInfo{Hostname: "a"})

	clk.Advance(time.Minute)
	ok, err := r.Heartbeat(id)
	require.NoError(t, err)
	assert.True(t, ok)
	inst, _, _ := r.Get(id)
	assert.True(t, inst.LastSeen.Equal(clk.Now()))

	ok, err = r.Heartbeat("ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.UpdateLoad(id, 4)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = r.UpdateLoad(id, -1)
	assert.ErrorIs(t, err, ErrNegativeLoad)

	ok, err = r.AddLoad(id, 1.5)
	require.NoError(t, err)
	assert.True(t, ok)
	inst, _, _ = r.Get(id)
	assert.InDelta(t, 5.5, inst.CurrentLoad, 1e-9)
}

func TestDeregister(t *testing.T) {
	r, _ := setup(t)
	id, _ := r.Register(model.RegisterInfo{Hostname: "a"})

	ok, err := r.Deregister(id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Deregister(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweep_RemovesOnlyStale(t *testing.T) {
	r, clk := setup(t)

	stale, _ := r.Register(model.RegisterInfo{Hostname: "stale"})
	clk.Advance(210 * time.Second)
	fresh, _ := r.Register(model.RegisterInfo{Hostname: "fresh"})
	clk.Advance(100 * time.Second) // stale last seen 310s ago, fresh 100s ago

	n, err := r.Sweep(300 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, _ := r.Get(stale)
	assert.False(t, ok)
	_, ok, _ = r.Get(fresh)
	assert.True(t, ok)
}

func TestRejoinAfterSweep(t *testing.T) {
	r, clk := setup(t)
	id, _ := r.Register(model.RegisterInfo{Hostname: "a", Capabilities: []string{"build"}})
	inst, _, _ := r.Get(id)

	clk.Advance(time.Hour)
	_, err := r.Sweep(time.Minute)
	require.NoError(t, err)
	ok, _ := r.Heartbeat(id)
	require.False(t, ok)

	require.NoError(t, r.Rejoin(*inst))
	back, ok, err := r.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"build"}, back.Capabilities)
	assert.True(t, back.LastSeen.Equal(clk.Now()))
}

func TestReinitialize(t *testing.T) {
	r, _ := setup(t)
	_, _ = r.Register(model.RegisterInfo{Hostname: "a"})

	require.NoError(t, r.Reinitialize())
	all, err := r.Discover(true)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = r.Register(model.RegisterInfo{Hostname: "b"})
	require.NoError(t, err, "registry must be usable after reinitialize")
}

func TestStartStop_BackgroundSweep(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "bg.db"))
	require.NoError(t, err)
	defer s.Close()

	// Real clock; the instance is inserted already stale.
	r := New(s, WithSweepInterval(10*time.Millisecond), WithStaleTimeout(time.Minute))
	require.NoError(t, s.InsertInstance(model.Instance{
		ID: "ancient", Hostname: "h", MaxCapacity: 1, LastSeen: time.Now().Add(-time.Hour),
	}))

	r.Start(context.Background())
	r.Start(context.Background())
	assert.Eventually(t, func() bool {
		_, ok, _ := r.Get("ancient")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()
}
