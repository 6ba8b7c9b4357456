package crypto

// hash.go supplies the hashing primitives used for receipt ids and payload
// digests. Blake2b-256 is the house algorithm; sha256 is supported because
// some deployments settle receipts against chains that only speak sha256.
// The algorithm is fixed per deployment through the configuration.

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

const (
	// HashSize is the size of a Hash in bytes.
	HashSize = 32
)

type (
	// Hash is a 256-bit digest, either blake2b or sha256 depending on the
	// deployment configuration.
	Hash [HashSize]byte

	// HashAlgo names one of the supported hashing algorithms.
	HashAlgo string
)

const (
	// HashBlake2b selects blake2b-256.
	HashBlake2b HashAlgo = "blake2b"
	// HashSHA256 selects sha256.
	HashSHA256 HashAlgo = "sha256"
)

// ErrUnknownHashAlgo is returned when a configuration names an algorithm
// that is not supported.
var ErrUnknownHashAlgo = errors.New("unknown hash algorithm")

// Valid reports whether the algorithm is one of the supported set.
func (a HashAlgo) Valid() bool {
	return a == HashBlake2b || a == HashSHA256
}

// HashBytes hashes data with the selected algorithm.
func (a HashAlgo) HashBytes(data []byte) Hash {
	if a == HashSHA256 {
		return Hash(sha256.Sum256(data))
	}
	return Hash(blake2b.Sum256(data))
}

// HashBytes takes a byte slice and returns the blake2b-256 digest.
func HashBytes(data []byte) Hash {
	return Hash(blake2b.Sum256(data))
}

// String prints the hash in hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}
