package bridge

import "github.com/haexspace/haexbridge/internal/authstore"

// Fingerprint derives the canonical client id for a handshake's asserted
// public key. The client-supplied ClientInfo.ClientID is advisory only —
// trusting it directly would let any client claim another's identity and
// inherit its authorization, so every authorization check and database
// write uses this instead.
func Fingerprint(publicKeySPKIBase64 string) string {
	return authstore.Fingerprint(publicKeySPKIBase64)
}
