package ingestion

import (
	"container/list"
	"fmt"

	"ClearingHouse/internal/observability"
)

// DurableIndex is the second dedup tier: a persistent index of every
// operation key ever applied, surviving restarts and LRU eviction.
// Backed by Postgres in production.
type DurableIndex interface {
	Contains(opType, requestID string) (bool, error)
}

// Deduplicator guards the engine against duplicate operation requests.
// Two tiers: a fixed-size in-memory LRU for the hot window (redeliveries
// arrive within seconds), then the durable index for anything older.
// Keys are opType + ":" + requestID so identical IDs across operation
// types never collide.
type Deduplicator struct {
	capacity int
	order    *list.List               // front = most recently seen
	entries  map[string]*list.Element // key -> order element holding the key
	durable  DurableIndex
	metrics  *observability.Metrics
}

func NewDeduplicator(capacity int, durable DurableIndex, metrics *observability.Metrics) *Deduplicator {
	if capacity <= 0 {
		capacity = 65536
	}
	return &Deduplicator{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
		durable:  durable,
		metrics:  metrics,
	}
}

func dedupKey(opType, requestID string) string {
	return opType + ":" + requestID
}

// Seen reports whether the operation was already applied. Checks the LRU
// first, then the durable index. A durable hit is promoted into the LRU so
// further redeliveries stay off the database.
func (d *Deduplicator) Seen(opType, requestID string) (bool, error) {
	if requestID == "" {
		// No key to dedup on: treat as fresh. The engine assigns one.
		return false, nil
	}
	key := dedupKey(opType, requestID)

	if elem, ok := d.entries[key]; ok {
		d.order.MoveToFront(elem)
		d.countDuplicate(opType, "lru")
		return true, nil
	}

	if d.durable != nil {
		seen, err := d.durable.Contains(opType, requestID)
		if err != nil {
			return false, fmt.Errorf("durable dedup lookup: %w", err)
		}
		if seen {
			d.insert(key)
			d.countDuplicate(opType, "durable")
			return true, nil
		}
	}

	return false, nil
}

// Record marks the operation as applied in the LRU tier. The durable tier
// is written by the persistence worker in the same transaction as the
// event, so a crash between apply and persist never strands a key.
func (d *Deduplicator) Record(opType, requestID string) {
	if requestID == "" {
		return
	}
	d.insert(dedupKey(opType, requestID))
}

func (d *Deduplicator) insert(key string) {
	if elem, ok := d.entries[key]; ok {
		d.order.MoveToFront(elem)
		return
	}
	d.entries[key] = d.order.PushFront(key)

	for d.order.Len() > d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.entries, oldest.Value.(string))
	}

	if d.metrics != nil {
		d.metrics.DedupLRUSize.Set(float64(d.order.Len()))
	}
}

// Len returns the current LRU occupancy.
func (d *Deduplicator) Len() int {
	return d.order.Len()
}

func (d *Deduplicator) countDuplicate(opType, tier string) {
	if d.metrics != nil {
		d.metrics.RequestDuplicates.WithLabelValues(opType, tier).Inc()
	}
}
