package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-cellular-arena/internal/codec"
	"github.com/koopa0/system-design/14-cellular-arena/internal/game"
	"github.com/koopa0/system-design/14-cellular-arena/internal/scheduler"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
	"github.com/koopa0/system-design/14-cellular-arena/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRoom 可控制狀態與行為的房間
type fakeRoom struct {
	id        int64
	state     atomic.Int32
	ticks     atomic.Int64
	finalized atomic.Value
	panicOn   int64

	mu     sync.Mutex
	inputs []int64
	joins  []int64
	leaves []int64
}

func newFakeRoom(id int64) *fakeRoom {
	return &fakeRoom{id: id}
}

func (f *fakeRoom) ID() int64         { return f.id }
func (f *fakeRoom) State() game.State { return game.State(f.state.Load()) }
func (f *fakeRoom) ForceRemove()      { f.state.Store(int32(game.StateRemoved)) }
func (f *fakeRoom) expire()           { f.state.Store(int32(game.StateExpiredPendingRemoval)) }

func (f *fakeRoom) Tick(context.Context) error {
	n := f.ticks.Add(1)
	if f.panicOn > 0 && n >= f.panicOn {
		panic("simulated room fault")
	}
	return nil
}

func (f *fakeRoom) Finalize(reason string) {
	f.finalized.Store(reason)
	f.ForceRemove()
}

func (f *fakeRoom) reason() string {
	v, _ := f.finalized.Load().(string)
	return v
}

func (f *fakeRoom) PushInput(playerID int64, _ codec.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, playerID)
	return nil
}

func (f *fakeRoom) PushJoin(p game.Player) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, p.ID)
	return nil
}

func (f *fakeRoom) PushLeave(playerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, playerID)
	return nil
}

func newScheduler(t *testing.T, capacity int, onEvict func(scheduler.Room)) *scheduler.Scheduler {
	t.Helper()
	s := scheduler.New(scheduler.Config{
		Capacity:      capacity,
		TickInterval:  5 * time.Millisecond,
		SweepInterval: time.Hour,
	}, onEvict, logger.Discard())
	t.Cleanup(s.Stop)
	return s
}

// TestScheduler_BinPacking 測試 N+1 個房間分配到兩個 Container
func TestScheduler_BinPacking(t *testing.T) {
	const capacity = 4
	s := newScheduler(t, capacity, nil)

	for i := int64(1); i <= capacity+1; i++ {
		require.True(t, s.AddRoom(newFakeRoom(i)))
	}

	stats := s.Stats()
	require.Len(t, stats.Containers, 2)
	assert.Equal(t, capacity, stats.Containers[0].Rooms)
	assert.Equal(t, 1, stats.Containers[1].Rooms)
	assert.Equal(t, capacity+1, stats.Rooms)
}

// TestScheduler_AddRoomIdempotent 測試重複加入
func TestScheduler_AddRoomIdempotent(t *testing.T) {
	s := newScheduler(t, 2, nil)
	room := newFakeRoom(1)

	assert.True(t, s.AddRoom(room))
	assert.False(t, s.AddRoom(room))
	assert.False(t, s.AddRoom(newFakeRoom(1)))

	stats := s.Stats()
	require.Len(t, stats.Containers, 1)
	assert.Equal(t, 1, stats.Containers[0].Rooms)
}

// TestScheduler_EmptyContainerStops 測試 Container 在沒有房間後結束
func TestScheduler_EmptyContainerStops(t *testing.T) {
	var evicted atomic.Int64
	s := newScheduler(t, 2, func(r scheduler.Room) { evicted.Add(1) })

	room := newFakeRoom(1)
	require.True(t, s.AddRoom(room))
	containers := s.Containers()
	require.Len(t, containers, 1)

	assert.Eventually(t, func() bool { return room.ticks.Load() > 2 }, time.Second, time.Millisecond)

	room.expire()

	select {
	case <-containers[0].Done():
	case <-time.After(time.Second):
		t.Fatal("container did not stop")
	}
	assert.True(t, containers[0].Stopped())
	assert.Equal(t, scheduler.ReasonExpired, room.reason())
	assert.Equal(t, int64(1), evicted.Load())

	_, ok := s.Room(1)
	assert.False(t, ok)

	assert.Equal(t, 1, s.Sweep())
	assert.Empty(t, s.Stats().Containers)

	// 新房間會建立新的 Container
	require.True(t, s.AddRoom(newFakeRoom(2)))
	require.Len(t, s.Containers(), 1)
	assert.NotEqual(t, containers[0].ID(), s.Containers()[0].ID())
}

// TestScheduler_FaultIsolation 測試單一房間的 panic 不影響同 Container 的其他房間
func TestScheduler_FaultIsolation(t *testing.T) {
	s := newScheduler(t, 4, nil)

	bad := newFakeRoom(1)
	bad.panicOn = 3
	good := newFakeRoom(2)
	require.True(t, s.AddRoom(bad))
	require.True(t, s.AddRoom(good))

	assert.Eventually(t, func() bool { return bad.State() == game.StateRemoved }, time.Second, time.Millisecond)

	before := good.ticks.Load()
	assert.Eventually(t, func() bool { return good.ticks.Load() > before+3 }, time.Second, time.Millisecond)
	assert.Equal(t, game.StateActive, good.State())

	assert.Eventually(t, func() bool {
		_, ok := s.Room(1)
		return !ok
	}, time.Second, time.Millisecond)
}

// TestScheduler_Routing 測試輸入路由
func TestScheduler_Routing(t *testing.T) {
	s := newScheduler(t, 4, nil)
	room := newFakeRoom(10)
	require.True(t, s.AddRoom(room))

	require.NoError(t, s.RouteInput(codec.Ping{}, 7, 10))
	require.NoError(t, s.RouteJoin(game.Player{ID: 7}, 10))
	require.NoError(t, s.RouteLeave(7, 10))

	room.mu.Lock()
	assert.Equal(t, []int64{7}, room.inputs)
	assert.Equal(t, []int64{7}, room.joins)
	assert.Equal(t, []int64{7}, room.leaves)
	room.mu.Unlock()

	err := s.RouteInput(codec.Ping{}, 7, 999)
	assert.ErrorIs(t, err, errors.ErrRoomNotFound)
	assert.ErrorIs(t, s.RouteLeave(7, 999), errors.ErrRoomNotFound)
}

// TestScheduler_StopFinalizesRooms 測試停止時結束所有房間
func TestScheduler_StopFinalizesRooms(t *testing.T) {
	var evicted atomic.Int64
	s := scheduler.New(scheduler.Config{Capacity: 2, TickInterval: 5 * time.Millisecond}, func(scheduler.Room) {
		evicted.Add(1)
	}, logger.Discard())

	rooms := []*fakeRoom{newFakeRoom(1), newFakeRoom(2), newFakeRoom(3)}
	for _, r := range rooms {
		require.True(t, s.AddRoom(r))
	}

	s.Stop()
	for _, r := range rooms {
		assert.Equal(t, game.StateRemoved, r.State())
		assert.Equal(t, scheduler.ReasonShutdown, r.reason())
	}
	assert.Equal(t, int64(3), evicted.Load())
	assert.False(t, s.AddRoom(newFakeRoom(4)))
}

// TestScheduler_ConcurrentAdd 測試並發加入房間
func TestScheduler_ConcurrentAdd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	const capacity, total = 8, 200
	s := newScheduler(t, capacity, nil)

	var wg sync.WaitGroup
	for i := int64(1); i <= total; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			s.AddRoom(newFakeRoom(id))
		}(i)
	}
	wg.Wait()

	stats := s.Stats()
	assert.Equal(t, total, stats.Rooms)
	assert.Len(t, stats.Containers, total/capacity)
	for _, c := range stats.Containers {
		assert.Equal(t, capacity, c.Rooms)
	}
}
