package deviceid

import (
	"encoding/base64"

	"golang.org/x/crypto/blake2b"
)

// digestSize yields a 32-character base64url id.
const digestSize = 24

// IDLength is the length of every derived device id.
const IDLength = 32

// Fingerprint digests signals into a fixed-length, URL-safe identifier.
// The same signals always produce the same id.
func Fingerprint(s Signals) string {
	return digest(s.canonical(), nil)
}

func digest(canonical, nonce []byte) string {
	h, err := blake2b.New(digestSize, nil)
	if err != nil {
		// Only reachable with an invalid size or key.
		panic(err)
	}
	_, _ = h.Write(canonical)
	if len(nonce) > 0 {
		_, _ = h.Write([]byte(fieldSep + "nonce" + fieldSep))
		_, _ = h.Write(nonce)
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
