package trust

import (
	"strconv"

	"trustmesh/events"
	"trustmesh/identity"
)

// Event types emitted after a mutation commits.
const (
	TypeProfileUpdated   = "trust.profile_updated"
	TypeTrustSet         = "trust.trust_set"
	TypeTrustRemoved     = "trust.trust_removed"
	TypeUserBlocked      = "trust.user_blocked"
	TypeUserUnblocked    = "trust.user_unblocked"
	TypeAccountDeleted   = "trust.account_deleted"
	TypeSurplusExtracted = "trust.surplus_extracted"
)

func (e *Engine) emit(eventType string, attrs map[string]string) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(events.Event{Type: eventType, Attributes: attrs})
}

// emitMutation reports a committed record mutation along with its billing
// outcome: the measured size, the balance now held, and any refund issued.
func (e *Engine) emitMutation(eventType string, id identity.UserID, res *mutationResult, extra map[string]string) {
	if res == nil {
		return
	}
	attrs := map[string]string{
		"user":    id.String(),
		"size":    strconv.FormatUint(res.size, 10),
		"deposit": res.balance.String(),
	}
	if res.refund != nil && res.refund.Sign() > 0 {
		attrs["refund"] = res.refund.String()
	}
	for k, v := range extra {
		attrs[k] = v
	}
	e.emit(eventType, attrs)
}
