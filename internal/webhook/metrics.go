package webhook

import "sync/atomic"

// Metrics counts ingestion outcomes for the stats endpoint.
type Metrics struct {
	Accepted          atomic.Uint64
	Duplicates        atomic.Uint64
	RejectedSize      atomic.Uint64
	RejectedRate      atomic.Uint64
	RejectedSignature atomic.Uint64
	RejectedSchema    atomic.Uint64
}

func (m *Metrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"accepted":           m.Accepted.Load(),
		"duplicates":         m.Duplicates.Load(),
		"rejected_size":      m.RejectedSize.Load(),
		"rejected_rate":      m.RejectedRate.Load(),
		"rejected_signature": m.RejectedSignature.Load(),
		"rejected_schema":    m.RejectedSchema.Load(),
	}
}
