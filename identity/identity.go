package identity

import (
	"crypto/sha256"

	"github.com/btcsuite/btcutil/base58"
)

// UserID is the opaque, one-way hashed form of a real account identifier.
// All trust state is keyed by the encoded string; the raw account name is
// never stored or recoverable from it.
type UserID struct {
	encoded string
}

// Derive hashes the raw account identifier with sha256 and wraps the
// base58-encoded digest. Deterministic: the same account always maps to the
// same UserID.
func Derive(account string) UserID {
	digest := sha256.Sum256([]byte(account))
	return UserID{encoded: base58.Encode(digest[:])}
}

// FromEncoded wraps an already-encoded id, e.g. one received from a caller
// referring to another user.
func FromEncoded(s string) UserID {
	return UserID{encoded: s}
}

// String returns the base58 display form.
func (id UserID) String() string { return id.encoded }

// Len reports the length of the encoded form. The storage cost model bills
// the encoded string, not the raw digest.
func (id UserID) Len() int { return len(id.encoded) }

// IsZero reports whether the id is the empty value.
func (id UserID) IsZero() bool { return id.encoded == "" }

// Bytes decodes the display form back to the raw digest.
func (id UserID) Bytes() []byte {
	return base58.Decode(id.encoded)
}
