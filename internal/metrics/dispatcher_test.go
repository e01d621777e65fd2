package metrics_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-cellular-arena/internal/metrics"
	"github.com/koopa0/system-design/14-cellular-arena/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRecorder 記錄收到的批次
type fakeRecorder struct {
	mu      sync.Mutex
	batches [][]metrics.Event
	err     error
}

func (f *fakeRecorder) Record(_ context.Context, events []metrics.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]metrics.Event(nil), events...))
	return f.err
}

func (f *fakeRecorder) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type fakeStore struct {
	mu      sync.Mutex
	results []metrics.RoomResult
	err     error
}

func (f *fakeStore) SaveResult(_ context.Context, r metrics.RoomResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.results = append(f.results, r)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

// TestDispatcher_BatchSize 測試達到批次大小時立即刷新
func TestDispatcher_BatchSize(t *testing.T) {
	rec := &fakeRecorder{}
	d := metrics.NewDispatcher(metrics.DispatcherConfig{
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: time.Hour,
	}, []metrics.Recorder{rec}, nil, testutils.Logger())
	defer d.Stop()

	for i := 0; i < 25; i++ {
		d.Notify(metrics.Event{Type: "tick", Size: 10, RoomID: 1})
	}

	assert.Eventually(t, func() bool { return rec.total() >= 20 }, time.Second, 10*time.Millisecond)
}

// TestDispatcher_FlushInterval 測試定時刷新
func TestDispatcher_FlushInterval(t *testing.T) {
	rec := &fakeRecorder{}
	d := metrics.NewDispatcher(metrics.DispatcherConfig{
		BatchSize:     1000,
		FlushInterval: 20 * time.Millisecond,
	}, []metrics.Recorder{rec}, nil, testutils.Logger())
	defer d.Stop()

	d.Notify(metrics.Event{Type: "cells", Size: 1})
	assert.Eventually(t, func() bool { return rec.total() == 1 }, time.Second, 10*time.Millisecond)
}

// TestDispatcher_StopFlushes 測試停止時寫出剩餘事件
func TestDispatcher_StopFlushes(t *testing.T) {
	rec := &fakeRecorder{}
	store := &fakeStore{}
	d := metrics.NewDispatcher(metrics.DispatcherConfig{
		BatchSize:     1000,
		FlushInterval: time.Hour,
	}, []metrics.Recorder{rec}, []metrics.ResultStore{store}, testutils.Logger())

	for i := 0; i < 5; i++ {
		d.Notify(metrics.Event{Type: "time"})
	}
	d.RecordResult(metrics.RoomResult{RoomID: 7})
	d.Stop()

	assert.Equal(t, 5, rec.total())
	assert.Equal(t, 1, store.count())

	stats := d.Stats()
	assert.Equal(t, uint64(5), stats.Recorded)
	assert.Equal(t, uint64(1), stats.Results)

	// 停止後的事件直接丟棄
	d.Notify(metrics.Event{Type: "time"})
	assert.Equal(t, uint64(1), d.Stats().Dropped)
	d.Stop()
}

// TestDispatcher_NeverBlocks 測試緩衝區滿時丟棄而不阻塞
func TestDispatcher_NeverBlocks(t *testing.T) {
	block := make(chan struct{})
	rec := &blockingRecorder{block: block}
	d := metrics.NewDispatcher(metrics.DispatcherConfig{
		BufferSize:    4,
		BatchSize:     1,
		FlushInterval: time.Hour,
	}, []metrics.Recorder{rec}, nil, testutils.Logger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Notify(metrics.Event{Type: "cells"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked")
	}
	assert.Greater(t, d.Stats().Dropped, uint64(0))

	close(block)
	d.Stop()
}

type blockingRecorder struct {
	block chan struct{}
}

func (b *blockingRecorder) Record(context.Context, []metrics.Event) error {
	<-b.block
	return nil
}

// TestDispatcher_RecorderFailure 測試記錄器失敗只會計數
func TestDispatcher_RecorderFailure(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("boom")}
	d := metrics.NewDispatcher(metrics.DispatcherConfig{BatchSize: 1}, []metrics.Recorder{rec}, nil, testutils.Logger())

	d.Notify(metrics.Event{Type: "pong"})
	d.Stop()

	require.Equal(t, 1, rec.total())
	assert.Equal(t, uint64(1), d.Stats().Failures)
}

// TestDispatcher_ResultStoreFailure 測試所有儲存都失敗時結果不計入
func TestDispatcher_ResultStoreFailure(t *testing.T) {
	broken := &fakeStore{err: errors.New("boom")}
	d := metrics.NewDispatcher(metrics.DispatcherConfig{}, nil,
		[]metrics.ResultStore{broken, &fakeStore{err: errors.New("down")}}, testutils.Logger())

	d.RecordResult(metrics.RoomResult{RoomID: 1})
	d.Stop()

	stats := d.Stats()
	assert.Equal(t, uint64(0), stats.Results)
	assert.Equal(t, uint64(2), stats.Failures)

	// 只要有一個儲存成功就計入
	ok := &fakeStore{}
	d = metrics.NewDispatcher(metrics.DispatcherConfig{}, nil,
		[]metrics.ResultStore{broken, ok}, testutils.Logger())

	d.RecordResult(metrics.RoomResult{RoomID: 2})
	d.Stop()

	assert.Equal(t, 1, ok.count())
	stats = d.Stats()
	assert.Equal(t, uint64(1), stats.Results)
	assert.Equal(t, uint64(1), stats.Failures)
}
