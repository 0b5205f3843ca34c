package engine

import (
	"container/heap"
	"sync"

	"github.com/ossbng/bngd/internal/metrics"
	"github.com/ossbng/bngd/internal/sniffer"
)

// priorityDHCP is the band DHCP events occupy. Lower runs first; the
// band exists so future control events can jump ahead of bulk DHCP.
const priorityDHCP = 1

type queueItem struct {
	priority int
	seq      uint64
	event    sniffer.Event
}

type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// EventQueue is the bounded priority queue between the sniffer and the
// engine. Push blocks while the queue is full, so the sniffer
// backpressures instead of silently dropping events. A pump goroutine
// delivers items in (priority, arrival) order on C, letting the engine
// select across events and commands.
type EventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  itemHeap
	max    int
	seq    uint64
	closed bool

	out  chan sniffer.Event
	quit chan struct{}
	done chan struct{}
}

func NewEventQueue(size int) *EventQueue {
	if size <= 0 {
		size = 1000
	}
	q := &EventQueue{
		max:  size,
		out:  make(chan sniffer.Event),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// Push enqueues one event, blocking while the queue is full. Pushing on
// a closed queue discards the event.
func (q *EventQueue) Push(ev sniffer.Event) {
	q.mu.Lock()
	for len(q.items) >= q.max && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.seq++
	heap.Push(&q.items, queueItem{priority: priorityDHCP, seq: q.seq, event: ev})
	metrics.EventQueueDepth.Set(float64(len(q.items)))
	q.cond.Broadcast()
	q.mu.Unlock()
}

// C delivers queued events to the engine loop.
func (q *EventQueue) C() <-chan sniffer.Event { return q.out }

// Len reports the number of waiting events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close unblocks pushers and stops the pump. Undelivered events are
// discarded; shutdown drains nothing further.
func (q *EventQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.quit)
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}

func (q *EventQueue) pump() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		item := heap.Pop(&q.items).(queueItem)
		metrics.EventQueueDepth.Set(float64(len(q.items)))
		q.cond.Broadcast()
		q.mu.Unlock()

		select {
		case q.out <- item.event:
		case <-q.quit:
			return
		}
	}
}
