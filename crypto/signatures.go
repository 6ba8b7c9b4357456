package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"

	"gitlab.com/NebulousLabs/fastrand"
)

const (
	// PublicKeySize is the size of an Ed25519 public key in bytes.
	PublicKeySize = ed25519.PublicKeySize
	// SecretKeySize is the size of an Ed25519 private key in bytes.
	SecretKeySize = ed25519.PrivateKeySize
	// SignatureSize is the size of an Ed25519 signature in bytes.
	SignatureSize = ed25519.SignatureSize
)

type (
	// PublicKey is an Ed25519 public key.
	PublicKey [PublicKeySize]byte
	// SecretKey is an Ed25519 private key (seed plus public half).
	SecretKey [SecretKeySize]byte
	// Signature is an Ed25519 signature.
	Signature [SignatureSize]byte
)

var (
	// ErrInvalidSignature is returned when a signature fails to verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrInvalidKeyLength is returned when key material has the wrong size.
	ErrInvalidKeyLength = errors.New("key material has the wrong length")
)

// GenerateKeyPair creates a public-secret keypair that can be used to sign
// and verify messages.
func GenerateKeyPair() (sk SecretKey, pk PublicKey) {
	seed := fastrand.Bytes(ed25519.SeedSize)
	epk := ed25519.NewKeyFromSeed(seed)
	copy(sk[:], epk)
	copy(pk[:], epk.Public().(ed25519.PublicKey))
	return
}

// SecretKeyFromHex parses a hex-encoded secret key. Both 64-byte private
// keys and 32-byte seeds are accepted; keys arrive as hex through the
// configuration surface.
func SecretKeyFromHex(s string) (sk SecretKey, err error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return SecretKey{}, err
	}
	switch len(b) {
	case ed25519.SeedSize:
		copy(sk[:], ed25519.NewKeyFromSeed(b))
	case SecretKeySize:
		copy(sk[:], b)
	default:
		return SecretKey{}, ErrInvalidKeyLength
	}
	return sk, nil
}

// PublicKey returns the public key that corresponds to a secret key.
func (sk SecretKey) PublicKey() (pk PublicKey) {
	copy(pk[:], sk[32:])
	return
}

// SignBytes signs a message using a secret key.
func SignBytes(data []byte, sk SecretKey) (sig Signature) {
	copy(sig[:], ed25519.Sign(sk[:], data))
	return
}

// VerifyBytes uses a public key and input data to verify a signature.
func VerifyBytes(data []byte, pk PublicKey, sig Signature) error {
	if !ed25519.Verify(pk[:], data, sig[:]) {
		return ErrInvalidSignature
	}
	return nil
}
