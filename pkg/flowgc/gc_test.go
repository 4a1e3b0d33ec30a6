package flowgc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psaab/ovsdp/pkg/dpif"
	"github.com/psaab/ovsdp/pkg/nlattr"
	"github.com/psaab/ovsdp/pkg/odp/odptest"
)

func key(v uint32) []byte {
	b := nlattr.NewBuilder()
	b.PutUint32(1, v)
	return b.Bytes()
}

func setup(t *testing.T) (*dpif.Datapath, *odptest.Kernel) {
	t.Helper()
	k := odptest.New()
	sys, err := dpif.NewSystem(dpif.Backend{Resolver: k.Resolver(), Dial: k.Net.Dial}, dpif.Options{})
	require.NoError(t, err)
	t.Cleanup(sys.Close)
	dp, err := sys.Open("br0", true)
	require.NoError(t, err)
	t.Cleanup(dp.Close)
	return dp, k
}

func install(t *testing.T, dp *dpif.Datapath, keys ...[]byte) {
	t.Helper()
	for _, k := range keys {
		_, err := dp.FlowPut(dpif.FlowPutCreate, k, nil, false)
		require.NoError(t, err)
	}
}

func flowCount(t *testing.T, dp *dpif.Datapath) uint64 {
	t.Helper()
	st, err := dp.Stats()
	require.NoError(t, err)
	return st.Flows
}

func TestSweepUsedFlows(t *testing.T) {
	dp, k := setup(t)
	install(t, dp, key(1), key(2))
	require.True(t, k.HitFlow(dp.Index(), key(1), 60, 0, 1_000))
	require.True(t, k.HitFlow(dp.Index(), key(2), 60, 0, 9_000))

	gc := New(dp, 5*time.Second)
	gc.nowMsec = func() uint64 { return 10_000 }

	n, err := gc.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, _, err = dp.FlowGet(key(1))
	require.Error(t, err)
	_, _, err = dp.FlowGet(key(2))
	require.NoError(t, err)
}

func TestSweepNeverUsedFlows(t *testing.T) {
	dp, _ := setup(t)
	install(t, dp, key(1))

	now := uint64(50_000)
	gc := New(dp, 5*time.Second)
	gc.nowMsec = func() uint64 { return now }

	// First sight starts the idle clock.
	n, err := gc.Sweep()
	require.NoError(t, err)
	require.Zero(t, n)

	now += 4_000
	n, err = gc.Sweep()
	require.NoError(t, err)
	require.Zero(t, n)

	now += 1_000
	n, err = gc.Sweep()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, flowCount(t, dp))
	require.Empty(t, gc.firstSeen)
}

func TestSweepForgetsRemovedFlows(t *testing.T) {
	dp, _ := setup(t)
	install(t, dp, key(1), key(2))

	gc := New(dp, time.Minute)
	gc.nowMsec = func() uint64 { return 1 }
	_, err := gc.Sweep()
	require.NoError(t, err)
	require.Len(t, gc.firstSeen, 2)

	_, err = dp.FlowDel(key(2), false)
	require.NoError(t, err)
	_, err = gc.Sweep()
	require.NoError(t, err)
	require.Len(t, gc.firstSeen, 1)
}

func TestPollInterval(t *testing.T) {
	dp, k := setup(t)
	install(t, dp, key(1))
	require.True(t, k.HitFlow(dp.Index(), key(1), 60, 0, 1))

	gc := New(dp, 4*time.Second)
	require.Equal(t, 2*time.Second, gc.interval)
	require.Equal(t, time.Second, New(dp, time.Millisecond).interval)

	start := time.Unix(1000, 0)
	wall := start
	gc.clock = func() time.Time { return wall }
	gc.nowMsec = func() uint64 { return 100_000 }

	gc.Poll()
	require.Zero(t, flowCount(t, dp))

	install(t, dp, key(2))
	require.True(t, k.HitFlow(dp.Index(), key(2), 60, 0, 1))
	wall = start.Add(time.Second)
	gc.Poll()
	require.Equal(t, uint64(1), flowCount(t, dp), "swept before the interval passed")

	wall = start.Add(2 * time.Second)
	gc.Poll()
	require.Zero(t, flowCount(t, dp))
}
