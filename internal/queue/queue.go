// Package queue 提供多生產者、單消費者（MPSC）的緩衝佇列。
//
// 連線 goroutine 只負責 Push，房間所屬的 Container goroutine 在每個 tick 以 Drain
// 一次取走全部內容。Drain 與 Push 只在交換切片時短暫持鎖，消費者處理期間生產者不會被阻塞。
package queue

import (
	"sync"

	"github.com/koopa0/system-design/14-cellular-arena/pkg/errors"
)

// Queue 有容量上限的 MPSC 佇列，capacity <= 0 表示不設上限
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	spare    []T
	capacity int
	dropped  uint64
}

// New 建立佇列
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{capacity: capacity}
}

// Push 加入一個元素，佇列已滿時返回 ErrQueueFull 並計入丟棄數
func (q *Queue[T]) Push(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.dropped++
		return errors.ErrQueueFull
	}
	q.items = append(q.items, item)
	return nil
}

// Drain 取走目前所有元素（依加入順序）
//
// 返回的切片在下一次 Drain 之前有效，之後其底層陣列會被重複使用。
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	items := q.items
	clear(q.spare)
	q.items = q.spare[:0]
	q.spare = items
	q.mu.Unlock()
	return items
}

// Len 返回目前的元素數量
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped 返回因佇列已滿而丟棄的元素總數
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
