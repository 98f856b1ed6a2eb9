package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// IdentityPrefix is the human-readable part used when rendering identities.
const IdentityPrefix = "d2d"

// IdentityLength is the byte length of every treasury identity.
const IdentityLength = 32

var errIdentityLength = errors.New("crypto: identity must be 32 bytes")

// Identity is an opaque 32-byte account identifier. The zero value denotes
// "no identity" (for example an unset guardian).
type Identity [IdentityLength]byte

// ZeroIdentity is the default identity used for absent optional roles.
var ZeroIdentity Identity

// IdentityFromBytes copies b into an Identity.
func IdentityFromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) != IdentityLength {
		return id, errIdentityLength
	}
	copy(id[:], b)
	return id, nil
}

// MustIdentity is IdentityFromBytes for static inputs.
func MustIdentity(b []byte) Identity {
	id, err := IdentityFromBytes(b)
	if err != nil {
		panic(err)
	}
	return id
}

// DeriveIdentity returns the keccak256 identity of the concatenated seeds.
// Custody accounts (treasury vault, reward pool, escrow vaults) are derived
// this way so that no key controls them.
func DeriveIdentity(seeds ...[]byte) Identity {
	return Identity(crypto.Keccak256Hash(seeds...))
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id == ZeroIdentity
}

// Bytes returns a copy of the identity bytes.
func (id Identity) Bytes() []byte {
	out := make([]byte, IdentityLength)
	copy(out, id[:])
	return out
}

// Hex renders the identity as lowercase hex without prefix.
func (id Identity) Hex() string {
	return hex.EncodeToString(id[:])
}

// Equal compares two identities.
func (id Identity) Equal(other Identity) bool {
	return bytes.Equal(id[:], other[:])
}

func (id Identity) String() string {
	conv, err := bech32.ConvertBits(id[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(IdentityPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// MarshalText encodes the identity in bech32.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText accepts bech32 or 0x-prefixed hex.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseIdentity decodes a bech32 ("d2d1...") or hex ("0x...") identity.
func ParseIdentity(value string) (Identity, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Identity{}, errors.New("crypto: empty identity")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		raw, err := hex.DecodeString(trimmed[2:])
		if err != nil {
			return Identity{}, fmt.Errorf("crypto: invalid hex identity: %w", err)
		}
		return IdentityFromBytes(raw)
	}
	prefix, decoded, err := bech32.Decode(trimmed)
	if err != nil {
		return Identity{}, fmt.Errorf("crypto: invalid bech32 identity: %w", err)
	}
	if prefix != IdentityPrefix {
		return Identity{}, fmt.Errorf("crypto: unexpected identity prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Identity{}, fmt.Errorf("crypto: error converting bits: %w", err)
	}
	return IdentityFromBytes(conv)
}
