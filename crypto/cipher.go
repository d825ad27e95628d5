package crypto

import (
	crypto_rand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrShortCiphertext = errors.New("crypto: ciphertext too short")

// EncryptWithKey seals msg under key with a random 24 byte nonce which is prepended to the output.
func EncryptWithKey(key, msg, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeyLength
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(msg)+aead.Overhead())
	if _, err := crypto_rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: error generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, msg, ad), nil
}

func DecryptWithKey(key, enc, ad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeyLength
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(enc) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrShortCiphertext
	}
	return aead.Open(nil, enc[:aead.NonceSize()], enc[aead.NonceSize():], ad)
}

// Seal is EncryptWithKey with the result base64 encoded for use in JSON envelopes.
func Seal(key, msg []byte) (string, error) {
	enc, err := EncryptWithKey(key, msg, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}

func Open(key []byte, sealed string) ([]byte, error) {
	enc, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("crypto: error decoding ciphertext: %w", err)
	}
	return DecryptWithKey(key, enc, nil)
}
