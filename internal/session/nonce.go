package session

import (
	"crypto/rand"
)

const nonceSize = 16

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newNonce returns a fresh opaque token: 16 lowercase alphanumerics.
func newNonce() string {
	var buf [nonceSize]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	for i := range buf {
		buf[i] = nonceAlphabet[int(buf[i])%len(nonceAlphabet)]
	}
	return string(buf[:])
}
