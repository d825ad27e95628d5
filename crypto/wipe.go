package crypto

import (
	"crypto/subtle"
	"runtime"
)

// Wipe zeroes b in place.
func Wipe(b []byte) {
	if b == nil {
		return
	}
	zeros := make([]byte, len(b))
	subtle.ConstantTimeCompare(b, zeros)
	copy(b, zeros)
	runtime.KeepAlive(b)
}

func WipeKeyPair(kp *KeyPair) {
	if kp == nil {
		return
	}
	Wipe(kp.Private)
}
