package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PrivateKey is a secp256k1 operator key. Operators (admin, guardian, the
// keeper) are addressed by the identity derived from their public key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Identity returns the operator identity of the key.
func (k *PrivateKey) Identity() Identity {
	return IdentityFromPublicKey(&k.PublicKey)
}

// IdentityFromPublicKey hashes the uncompressed public key, without its 0x04
// marker byte, with keccak256.
func IdentityFromPublicKey(pub *ecdsa.PublicKey) Identity {
	raw := ethcrypto.FromECDSAPub(pub)
	return Identity(ethcrypto.Keccak256Hash(raw[1:]))
}
