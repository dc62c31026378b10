package worker

import (
	"context"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memhive/memhive/internal/hive"
	"github.com/memhive/memhive/pkg/config"
	"github.com/memhive/memhive/pkg/hamtmap"
	"github.com/memhive/memhive/pkg/utils"
)

func testHive() *hive.Hive {
	return hive.New(config.HiveConfig{
		WorkQueueCapacity:     16,
		HealthQueueCapacity:   16,
		InboxCapacity:         16,
		RefDrainIntervalMinMs: 5,
		RefDrainIntervalMaxMs: 10,
		WorkerReadyTimeoutMs:  2000,
	})
}

func TestControllerLaunchReachesReady(t *testing.T) {
	h := testHive()
	defer h.Close(context.Background())

	c := NewController(utils.GetGlobalLogger())
	id, err := c.Launch(context.Background(), h, func(ctx context.Context, sub *hive.Sub) error {
		return nil
	})
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestControllerGroupLaunchesAllWorkers(t *testing.T) {
	h := testHive()
	defer h.Close(context.Background())

	c := NewController(utils.GetGlobalLogger())
	mains := []MainFunc{
		func(ctx context.Context, sub *hive.Sub) error { return sub.Set(hamtmap.NewStr("a"), hamtmap.NewInt64(1)) },
		func(ctx context.Context, sub *hive.Sub) error { return sub.Set(hamtmap.NewStr("b"), hamtmap.NewInt64(2)) },
	}
	ids, err := c.Group(context.Background(), h, mains...)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])
}

func TestBuildHeapDetectsHostileRuntime(t *testing.T) {
	c := NewController(utils.GetGlobalLogger())
	rt, err := c.buildHeap()
	require.NoError(t, err)
	assert.NotNil(t, rt)

	require.NoError(t, rt.Set(sentinelGlobal, true))
	assert.Error(t, checkHostCompatible(rt))
}

func TestCheckHostCompatibleAcceptsFreshRuntime(t *testing.T) {
	rt := goja.New()
	assert.NoError(t, checkHostCompatible(rt))
}

func TestBindSubExposesSubOnRuntimeGlobal(t *testing.T) {
	h := testHive()
	defer h.Close(context.Background())

	c := NewController(utils.GetGlobalLogger())
	rt, err := c.buildHeap()
	require.NoError(t, err)

	ready := make(chan struct{})
	_, err = h.AddWorker(context.Background(), func(ctx context.Context, sub *hive.Sub) error {
		defer close(ready)
		return bindSub(rt, sub)
	})
	require.NoError(t, err)
	<-ready

	global := rt.GlobalObject().Get("sub")
	require.NotNil(t, global)
	assert.False(t, goja.IsUndefined(global))
}
