package delivery

import (
	"context"
	"sync"
)

const defaultChannelCapacity = 1024

// ChannelQueue keeps one bounded in-memory queue per rule. Offer blocks while
// the rule's queue is full.
type ChannelQueue struct {
	capacity int

	mu     sync.Mutex
	queues map[string]chan Offer
}

// NewChannelQueue creates a queue holding up to capacity offers per rule.
func NewChannelQueue(capacity int) *ChannelQueue {
	if capacity <= 0 {
		capacity = defaultChannelCapacity
	}
	return &ChannelQueue{capacity: capacity, queues: make(map[string]chan Offer)}
}

func (q *ChannelQueue) queue(key string) chan Offer {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.queues[key]
	if !ok {
		ch = make(chan Offer, q.capacity)
		q.queues[key] = ch
	}
	return ch
}

// Offer implements Queue.
func (q *ChannelQueue) Offer(ctx context.Context, offer Offer) error {
	select {
	case q.queue(offer.Rule.Key()) <- offer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits for the next offer of the rule with key ruleKey.
func (q *ChannelQueue) Receive(ctx context.Context, ruleKey string) (Offer, error) {
	select {
	case offer := <-q.queue(ruleKey):
		return offer, nil
	case <-ctx.Done():
		return Offer{}, ctx.Err()
	}
}

// Drain removes and returns every queued offer of the rule with key ruleKey.
func (q *ChannelQueue) Drain(ruleKey string) []Offer {
	ch := q.queue(ruleKey)
	var out []Offer
	for {
		select {
		case offer := <-ch:
			out = append(out, offer)
		default:
			return out
		}
	}
}

// Len returns the number of offers queued for the rule with key ruleKey.
func (q *ChannelQueue) Len(ruleKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[ruleKey])
}

// Depths returns the queued offers per rule key.
func (q *ChannelQueue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.queues))
	for key, ch := range q.queues {
		out[key] = len(ch)
	}
	return out
}
