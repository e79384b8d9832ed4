package trust

import (
	"errors"
	"math/big"
	"sort"

	"trustmesh/identity"
)

// ErrInvalidTrustLevel is returned when a trust level falls outside [0, 1].
var ErrInvalidTrustLevel = errors.New("trust: trust level out of range")

// UserRecord is the per-user aggregate: published profile, outgoing weighted
// trust edges and the set of blocked peers. It is keyed by the owner's hashed
// id and billed by MeasureStorage. A trust level of zero is never stored;
// absence and zero weight are the same thing.
type UserRecord struct {
	ID identity.UserID
	// RequestedTrustCost is stored and billed but not yet consulted by any
	// mutation. Reserved for a future paid-trust flow.
	RequestedTrustCost *big.Int
	Profile            string
	TrustNetwork       map[string]float32
	Blocked            map[string]struct{}
}

// NewUserRecord returns an empty record owned by id.
func NewUserRecord(id identity.UserID) *UserRecord {
	return &UserRecord{
		ID:                 id,
		RequestedTrustCost: big.NewInt(0),
		TrustNetwork:       make(map[string]float32),
		Blocked:            make(map[string]struct{}),
	}
}

// Clone returns a deep copy so the mutation protocol can edit a scratch copy
// and only commit it after reconciliation succeeds.
func (r *UserRecord) Clone() *UserRecord {
	if r == nil {
		return nil
	}
	clone := &UserRecord{
		ID:                 r.ID,
		RequestedTrustCost: big.NewInt(0),
		Profile:            r.Profile,
		TrustNetwork:       make(map[string]float32, len(r.TrustNetwork)),
		Blocked:            make(map[string]struct{}, len(r.Blocked)),
	}
	if r.RequestedTrustCost != nil {
		clone.RequestedTrustCost = new(big.Int).Set(r.RequestedTrustCost)
	}
	for peer, level := range r.TrustNetwork {
		clone.TrustNetwork[peer] = level
	}
	for peer := range r.Blocked {
		clone.Blocked[peer] = struct{}{}
	}
	return clone
}

// SetProfile replaces the published profile text unconditionally.
func (r *UserRecord) SetProfile(text string) {
	r.Profile = text
}

// SetTrust inserts or overwrites the trust edge toward peer. Level must be
// within [0, 1]; exactly zero removes the edge instead of storing it.
func (r *UserRecord) SetTrust(peer string, level float32) error {
	if level < 0 || level > 1 {
		return ErrInvalidTrustLevel
	}
	if level == 0 {
		delete(r.TrustNetwork, peer)
		return nil
	}
	r.TrustNetwork[peer] = level
	return nil
}

// RemoveTrust drops the trust edge toward peer if present.
func (r *UserRecord) RemoveTrust(peer string) {
	delete(r.TrustNetwork, peer)
}

// Trust returns the stored level for peer, reporting absence via ok.
func (r *UserRecord) Trust(peer string) (float32, bool) {
	level, ok := r.TrustNetwork[peer]
	return level, ok
}

// Block adds peer to the block set. Idempotent.
func (r *UserRecord) Block(peer string) {
	r.Blocked[peer] = struct{}{}
}

// Unblock removes peer from the block set. Idempotent.
func (r *UserRecord) Unblock(peer string) {
	delete(r.Blocked, peer)
}

// IsBlocked reports whether peer is in the block set.
func (r *UserRecord) IsBlocked(peer string) bool {
	_, ok := r.Blocked[peer]
	return ok
}

// TrustEdge is one outgoing weighted edge in a UserView.
type TrustEdge struct {
	Peer  string  `json:"peer"`
	Level float32 `json:"level"`
}

// UserView is the JSON-friendly projection of a UserRecord returned by read
// queries. Sub-collections are sorted so responses are stable.
type UserView struct {
	HashedUserID       string      `json:"hashedUserId"`
	RequestedTrustCost string      `json:"requestedTrustCost"`
	Profile            string      `json:"publicProfile"`
	TrustNetwork       []TrustEdge `json:"trustNetwork"`
	BlockedUsers       []string    `json:"blockedUsers"`
}

// View projects the record into its read-query form.
func (r *UserRecord) View() *UserView {
	view := &UserView{
		HashedUserID:       r.ID.String(),
		RequestedTrustCost: "0",
		Profile:            r.Profile,
		TrustNetwork:       make([]TrustEdge, 0, len(r.TrustNetwork)),
		BlockedUsers:       make([]string, 0, len(r.Blocked)),
	}
	if r.RequestedTrustCost != nil {
		view.RequestedTrustCost = r.RequestedTrustCost.String()
	}
	for peer, level := range r.TrustNetwork {
		view.TrustNetwork = append(view.TrustNetwork, TrustEdge{Peer: peer, Level: level})
	}
	sort.Slice(view.TrustNetwork, func(i, j int) bool {
		return view.TrustNetwork[i].Peer < view.TrustNetwork[j].Peer
	})
	for peer := range r.Blocked {
		view.BlockedUsers = append(view.BlockedUsers, peer)
	}
	sort.Strings(view.BlockedUsers)
	return view
}
