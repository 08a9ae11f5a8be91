package ingestion

import (
	"fmt"

	"ClearingHouse/internal/observability"
)

// SequenceValidator enforces per-partition ordering on the request stream.
// Producers stamp each request with a monotonically increasing source
// sequence per partition (market for market operations, trader for account
// operations). Regressions and repeats are rejected; gaps are tolerated and
// counted, since upstream producers may drop requests that failed their own
// validation before publishing.
type SequenceValidator struct {
	lastSeen map[string]int64
	metrics  *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		lastSeen: make(map[string]int64),
		metrics:  metrics,
	}
}

// Validate checks the source sequence for a partition and advances the
// watermark on success. Sequence zero means the producer does not stamp
// sequences; those requests pass through unordered.
func (v *SequenceValidator) Validate(partition string, seq int64) error {
	if seq == 0 {
		return nil
	}

	last, ok := v.lastSeen[partition]
	if ok && seq <= last {
		if v.metrics != nil {
			v.metrics.RequestOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order request on %s: seq %d <= last %d", partition, seq, last)
	}
	if ok && seq > last+1 {
		// Gap: count it but accept. The watermark jumps forward.
		if v.metrics != nil {
			v.metrics.RequestSequenceGap.WithLabelValues(partition).Inc()
		}
	}

	v.lastSeen[partition] = seq
	return nil
}

// Watermark returns the highest sequence seen for a partition.
func (v *SequenceValidator) Watermark(partition string) int64 {
	return v.lastSeen[partition]
}

// Restore seeds the watermarks after a restart, from the last persisted
// state snapshot.
func (v *SequenceValidator) Restore(watermarks map[string]int64) {
	for partition, seq := range watermarks {
		if seq > v.lastSeen[partition] {
			v.lastSeen[partition] = seq
		}
	}
}

// Snapshot returns a copy of the current watermarks.
func (v *SequenceValidator) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(v.lastSeen))
	for partition, seq := range v.lastSeen {
		out[partition] = seq
	}
	return out
}
