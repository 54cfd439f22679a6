package server

import (
	"context"
	"errors"
	"sync"
	"time"

	pb "github.com/NicolasHaas/reverb/pkg/protocol/pb"
)

var (
	// ErrQueueClosed is returned when pushing to a queue whose session is gone.
	ErrQueueClosed = errors.New("server: outbound queue closed")
	// ErrSlowConsumer is returned when a reliable message could not be queued
	// within the reliable timeout. The queue is closed as a result.
	ErrSlowConsumer = errors.New("server: slow consumer")
	// ErrMediaDropped is returned when a media frame was discarded because the
	// queue held only reliable messages.
	ErrMediaDropped = errors.New("server: media frame dropped")
)

// Class selects the backpressure policy applied to a message.
type Class int

const (
	// ClassReliable messages are never dropped: the producer waits for space
	// and the consumer is disconnected if none frees up in time.
	ClassReliable Class = iota
	// ClassMedia messages are dropped under backpressure.
	ClassMedia
)

func (c Class) String() string {
	if c == ClassMedia {
		return "media"
	}
	return "reliable"
}

// ClassOf returns the delivery class of msg.
func ClassOf(msg pb.Message) Class {
	if _, ok := msg.(*pb.MediaPayload); ok {
		return ClassMedia
	}
	return ClassReliable
}

// OutboundQueue is a bounded FIFO of messages waiting to be written to one
// connection. Many producers, one consumer.
//
// Media pushed onto a full queue evicts the oldest queued media frame; if
// every queued message is reliable the new frame is dropped instead. Media
// pushes never block. Reliable pushes onto a full queue evict the oldest
// media frame when there is one, otherwise wait up to the reliable timeout
// for the consumer to make room. A timeout closes the queue with
// ErrSlowConsumer.
type OutboundQueue struct {
	capacity int
	timeout  time.Duration
	onDrop   func(pb.Message)

	mu     sync.Mutex
	items  []pb.Message
	closed bool
	err    error // ErrQueueClosed after Close, ErrSlowConsumer after overflow

	ready   chan struct{} // capacity 1; signalled when items or state change
	space   chan struct{} // closed and replaced when a slot frees up
	waiters int           // producers blocked on space
}

// NewOutboundQueue creates a queue holding at most capacity messages.
// onDrop, if non-nil, is called for every discarded media frame (without the
// queue lock held).
func NewOutboundQueue(capacity int, reliableTimeout time.Duration, onDrop func(pb.Message)) *OutboundQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutboundQueue{
		capacity: capacity,
		timeout:  reliableTimeout,
		onDrop:   onDrop,
		items:    make([]pb.Message, 0, capacity),
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}),
	}
}

// Push enqueues msg according to its class.
func (q *OutboundQueue) Push(msg pb.Message) error {
	if ClassOf(msg) == ClassMedia {
		return q.pushMedia(msg)
	}
	return q.pushReliable(msg)
}

func (q *OutboundQueue) pushMedia(msg pb.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.items) < q.capacity {
		q.appendLocked(msg)
		q.mu.Unlock()
		return nil
	}
	evicted := q.evictMediaLocked()
	if evicted == nil {
		q.mu.Unlock()
		q.dropped(msg)
		return ErrMediaDropped
	}
	q.appendLocked(msg)
	q.mu.Unlock()
	q.dropped(evicted)
	return nil
}

func (q *OutboundQueue) pushReliable(msg pb.Message) error {
	var timer *time.Timer
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			q.appendLocked(msg)
			q.mu.Unlock()
			return nil
		}
		if evicted := q.evictMediaLocked(); evicted != nil {
			q.appendLocked(msg)
			q.mu.Unlock()
			q.dropped(evicted)
			return nil
		}
		space := q.space
		q.waiters++
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(q.timeout)
			defer timer.Stop()
		}
		select {
		case <-space:
			q.mu.Lock()
			q.waiters--
			q.mu.Unlock()
		case <-timer.C:
			q.mu.Lock()
			q.waiters--
			q.mu.Unlock()
			q.abort(ErrSlowConsumer)
			return ErrSlowConsumer
		}
	}
}

// appendLocked adds msg and wakes the consumer. q.mu must be held.
func (q *OutboundQueue) appendLocked(msg pb.Message) {
	q.items = append(q.items, msg)
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// evictMediaLocked removes and returns the oldest queued media frame, or nil.
func (q *OutboundQueue) evictMediaLocked() pb.Message {
	for i, m := range q.items {
		if ClassOf(m) == ClassMedia {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return m
		}
	}
	return nil
}

func (q *OutboundQueue) dropped(msg pb.Message) {
	if q.onDrop != nil {
		q.onDrop(msg)
	}
}

// Pop removes the oldest message, blocking until one is available. Queued
// messages are returned even after Close or ctx cancellation so the writer
// can flush; once drained Pop returns ErrQueueClosed or ctx.Err(). After a
// slow-consumer overflow Pop returns ErrSlowConsumer immediately.
func (q *OutboundQueue) Pop(ctx context.Context) (pb.Message, error) {
	for {
		q.mu.Lock()
		if errors.Is(q.err, ErrSlowConsumer) {
			q.mu.Unlock()
			return nil, ErrSlowConsumer
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			if q.waiters > 0 {
				close(q.space)
				q.space = make(chan struct{})
			}
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		q.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops accepting messages. Already queued messages can still be popped.
func (q *OutboundQueue) Close() {
	q.shut(ErrQueueClosed, false)
}

// Discard closes the queue and drops everything still in it.
func (q *OutboundQueue) Discard() {
	q.shut(ErrQueueClosed, true)
}

func (q *OutboundQueue) abort(err error) {
	q.shut(err, true)
}

func (q *OutboundQueue) shut(err error, drain bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed || (q.err == ErrQueueClosed && err != ErrQueueClosed) {
		q.err = err
	}
	q.closed = true
	if drain {
		clear(q.items)
		q.items = q.items[:0]
	}
	close(q.space)
	q.space = make(chan struct{})
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Err returns why the queue was closed, or nil while it is open.
func (q *OutboundQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}
