package backtest

import "sort"

// OrderQueue is the FIFO queue of unprocessed orders, consumed once per
// timestep. It supports stable priority ordering and key-based replacement.
type OrderQueue struct {
	items []Order
}

// NewOrderQueue constructs an empty queue.
func NewOrderQueue() *OrderQueue {
	return &OrderQueue{items: nil}
}

// Len returns the number of queued orders.
func (q *OrderQueue) Len() int { return len(q.items) }

// Append enqueues an order, assigning its ID when unset.
func (q *OrderQueue) Append(o Order) {
	if o == nil {
		return
	}
	o.ensureID()
	q.items = append(q.items, o)
}

// Extend enqueues a batch of orders in input order.
func (q *OrderQueue) Extend(orders []Order) {
	for _, o := range orders {
		q.Append(o)
	}
}

// PopFront dequeues the front order.
func (q *OrderQueue) PopFront() (Order, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	o := q.items[0]
	q.items = q.items[1:]
	return o, true
}

// SortByPriority stably sorts the queue descending by priority, preserving
// insertion order for ties so equal-priority orders execute FIFO.
func (q *OrderQueue) SortByPriority() {
	sort.SliceStable(q.items, func(i, j int) bool {
		return q.items[i].OrderPriority() > q.items[j].OrderPriority()
	})
}

// RemoveDuplicateKeys retains only the most recently enqueued order per
// non-empty key and returns the superseded orders, each marked REPLACED.
func (q *OrderQueue) RemoveDuplicateKeys() []Order {
	counts := make(map[string]int)
	for _, o := range q.items {
		if key := o.OrderKey(); key != "" {
			counts[key]++
		}
	}
	duplicated := false
	for _, n := range counts {
		if n > 1 {
			duplicated = true
			break
		}
	}
	if !duplicated {
		return nil
	}

	var removed []Order
	kept := make([]Order, 0, len(q.items))
	for _, o := range q.items {
		key := o.OrderKey()
		if key != "" && counts[key] > 1 {
			o.markReplaced()
			removed = append(removed, o)
			counts[key]--
		} else {
			kept = append(kept, o)
		}
	}
	q.items = kept
	return removed
}

// Snapshot returns the queued orders in queue order.
func (q *OrderQueue) Snapshot() []Order {
	out := make([]Order, len(q.items))
	copy(out, q.items)
	return out
}
