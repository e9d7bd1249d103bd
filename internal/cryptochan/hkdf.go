package cryptochan

import (
	"crypto/sha256"
	"io"

	"github.com/haexspace/haexbridge/internal/protocol"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo binds the derived key to this protocol, so a shared secret
// derived here can never be confused with one derived for an unrelated
// purpose from the same ECDH exchange.
var hkdfInfo = []byte("haexbridge-envelope-aead-v1")

func hkdfExpand(secret []byte) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, hkdfInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, protocol.Wrap(protocol.CodeCryptoKeyImport, "hkdf expand", err)
	}
	return key, nil
}
