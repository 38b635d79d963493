package bus

import (
	"context"
	"sync"
	"time"
)

// inboxes holds the per-recipient FIFO queues. Messages stay queued
// until acked, so delivery is at-least-once; messages that do not
// require an ack are removed on first read.
type inboxes struct {
	mu      sync.Mutex
	queues  map[string][]*Message
	waiters map[string][]chan struct{}
}

func newInboxes() *inboxes {
	return &inboxes{
		queues:  make(map[string][]*Message),
		waiters: make(map[string][]chan struct{}),
	}
}

// enqueue appends a message to its recipient's queue and wakes any
// long-pollers.
func (in *inboxes) enqueue(msg *Message) {
	in.mu.Lock()
	in.queues[msg.To] = append(in.queues[msg.To], msg)
	for _, ch := range in.waiters[msg.To] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	in.waiters[msg.To] = nil
	in.mu.Unlock()
}

// poll returns up to max pending messages for agent, blocking up to
// timeout when the queue is empty. Fire-and-forget messages are removed
// as they are read; their ids are returned so the caller can tombstone
// them in the WAL.
func (in *inboxes) poll(ctx context.Context, agent string, max int, timeout time.Duration) (msgs []*Message, consumed []string) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		in.mu.Lock()
		queue := in.queues[agent]
		if len(queue) > 0 {
			if max <= 0 || max > len(queue) {
				max = len(queue)
			}
			msgs = make([]*Message, 0, max)
			var kept []*Message
			for i, msg := range queue {
				if len(msgs) < max {
					msgs = append(msgs, msg)
					if !msg.RequiresAck {
						consumed = append(consumed, msg.ID)
						continue
					}
				} else {
					kept = append(kept, queue[i:]...)
					break
				}
				kept = append(kept, msg)
			}
			in.queues[agent] = kept
			in.mu.Unlock()
			return msgs, consumed
		}
		wake := make(chan struct{}, 1)
		in.waiters[agent] = append(in.waiters[agent], wake)
		in.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
}

// ack removes a message by id from whichever queue holds it, reporting
// whether it was found.
func (in *inboxes) ack(id string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	for agent, queue := range in.queues {
		for i, msg := range queue {
			if msg.ID == id {
				in.queues[agent] = append(queue[:i:i], queue[i+1:]...)
				return true
			}
		}
	}
	return false
}

// pending returns every queued message, in enqueue order per recipient.
func (in *inboxes) pending() []*Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	var all []*Message
	for _, queue := range in.queues {
		all = append(all, queue...)
	}
	return all
}
