// Package crypto holds the primitives the engine is built on: X25519 key agreement through nacl and
// XChaCha20-Poly1305 sealing of payloads under a derived shared secret.
package crypto

import (
	crypto_rand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/box"
	"github.com/kevinburke/nacl/scalarmult"
)

const KeySize = 32

var ErrKeyLength = errors.New("crypto: key is wrong length")

type KeyPair struct {
	Public  []byte
	Private []byte
}

func SliceToKey(b []byte) nacl.Key {
	return nacl.Key(b)
}

func GenerateKeyPair() *KeyPair {
	priv := nacl.NewKey()
	pub := scalarmult.Base(priv)
	return &KeyPair{Public: pub[:], Private: priv[:]}
}

// DeriveSharedSecret returns the precomputed box key for priv and peerPub. Both sides of an exchange
// arrive at the same 32 bytes.
func DeriveSharedSecret(priv, peerPub []byte) ([]byte, error) {
	if len(priv) != KeySize || len(peerPub) != KeySize {
		return nil, ErrKeyLength
	}
	key := box.Precompute(SliceToKey(peerPub), SliceToKey(priv))
	out := make([]byte, KeySize)
	copy(out, key[:])
	Wipe(key[:])
	return out, nil
}

// HashPublicKey is the hex sha256 of a public key, published in port bundles so a reader can verify
// the key presented in the first handshake message.
func HashPublicKey(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])
}

func VerifyPublicKeyHash(pub []byte, hash string) bool {
	expected := HashPublicKey(pub)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := crypto_rand.Read(b); err != nil {
		return nil, fmt.Errorf("crypto: error reading random bytes: %w", err)
	}
	return b, nil
}

func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
