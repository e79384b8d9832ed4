package trust

// Billing overhead constants. These back both charging and refunding, so they
// must never diverge: a record edited and edited back has to measure the same.
const (
	// trustEntryOverhead covers the stored level (float32 payload).
	trustEntryOverhead = 4
	// blockEntryOverhead covers the token amount reserved per blocked peer
	// (128-bit accounting unit).
	blockEntryOverhead = 16
	// recordBaseOverhead covers fixed per-record bookkeeping and metadata.
	recordBaseOverhead = 256
)

// MeasureStorage estimates the billable byte footprint of a record: the
// encoded owner id, the profile text, every trust edge key plus its payload
// overhead, every blocked key plus its accounting overhead, and the base
// overhead. A conservative approximation, not a serialized size.
func MeasureStorage(rec *UserRecord) uint64 {
	if rec == nil {
		return 0
	}
	total := uint64(rec.ID.Len())
	total += uint64(len(rec.Profile))
	for peer := range rec.TrustNetwork {
		total += uint64(len(peer)) + trustEntryOverhead
	}
	for peer := range rec.Blocked {
		total += uint64(len(peer)) + blockEntryOverhead
	}
	return total + recordBaseOverhead
}
