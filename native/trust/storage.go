package trust

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"trustmesh/identity"
)

// storage abstracts the subset of state manager functionality required by the
// trust module.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVIterate(prefix []byte, fn func(key, value []byte) bool) error
}

var (
	userRecordPrefix = []byte("trust/user/")
	depositPrefix    = []byte("trust/deposit/")
)

func userRecordKey(id identity.UserID) []byte {
	return append(append([]byte(nil), userRecordPrefix...), id.String()...)
}

func depositKey(id identity.UserID) []byte {
	return append(append([]byte(nil), depositPrefix...), id.String()...)
}

// decodeAmount decodes a raw value yielded by a prefix scan. Scans hand back
// the encoded bytes untouched, so balance iteration decodes here.
func decodeAmount(data []byte, out *big.Int) error {
	return rlp.DecodeBytes(data, out)
}

// storedUserRecord is the RLP shape of a UserRecord. RLP has no float or map
// support, so trust levels travel as float32 bits in slices parallel to the
// peer keys, and both sub-collections are sorted for a deterministic
// encoding.
type storedUserRecord struct {
	ID            string
	RequestedCost *big.Int
	Profile       string
	TrustPeers    []string
	TrustLevels   []uint32
	Blocked       []string
}

func encodeUserRecord(rec *UserRecord) *storedUserRecord {
	stored := &storedUserRecord{
		ID:            rec.ID.String(),
		RequestedCost: big.NewInt(0),
		Profile:       rec.Profile,
		TrustPeers:    make([]string, 0, len(rec.TrustNetwork)),
		TrustLevels:   make([]uint32, 0, len(rec.TrustNetwork)),
		Blocked:       make([]string, 0, len(rec.Blocked)),
	}
	if rec.RequestedTrustCost != nil {
		stored.RequestedCost = new(big.Int).Set(rec.RequestedTrustCost)
	}
	for peer := range rec.TrustNetwork {
		stored.TrustPeers = append(stored.TrustPeers, peer)
	}
	sort.Strings(stored.TrustPeers)
	for _, peer := range stored.TrustPeers {
		stored.TrustLevels = append(stored.TrustLevels, math.Float32bits(rec.TrustNetwork[peer]))
	}
	for peer := range rec.Blocked {
		stored.Blocked = append(stored.Blocked, peer)
	}
	sort.Strings(stored.Blocked)
	return stored
}

func decodeUserRecord(stored *storedUserRecord) (*UserRecord, error) {
	if len(stored.TrustPeers) != len(stored.TrustLevels) {
		return nil, fmt.Errorf("trust: corrupt record %s: %d peers, %d levels",
			stored.ID, len(stored.TrustPeers), len(stored.TrustLevels))
	}
	rec := NewUserRecord(identity.FromEncoded(stored.ID))
	if stored.RequestedCost != nil {
		rec.RequestedTrustCost = new(big.Int).Set(stored.RequestedCost)
	}
	rec.Profile = stored.Profile
	for i, peer := range stored.TrustPeers {
		rec.TrustNetwork[peer] = math.Float32frombits(stored.TrustLevels[i])
	}
	for _, peer := range stored.Blocked {
		rec.Blocked[peer] = struct{}{}
	}
	return rec, nil
}
