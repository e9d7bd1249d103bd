// Package cryptochan implements the ECDH key exchange and
// AEAD envelope encryption that secures every frame the bridge exchanges
// with an extension once past the handshake, per spec §4.4.
package cryptochan

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"

	"github.com/haexspace/haexbridge/internal/protocol"
)

// IVLength is the AES-GCM nonce size used for every envelope, in bytes.
const IVLength = 12

// KeyPair is one side's ECDH keypair for a single exchange. The bridge
// server generates one when it starts and shares it across every
// connection until it stops; there is no per-connection server keypair.
// Clients and the server's own response path mint a fresh ephemeral pair
// per envelope for per-direction forward secrecy.
type KeyPair struct {
	private *ecdh.PrivateKey
	public  *ecdh.PublicKey
}

// GenerateKeyPair creates a fresh P-256 ECDH keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeCryptoKeyImport, "generate ecdh keypair", err)
	}
	return &KeyPair{private: priv, public: priv.PublicKey()}, nil
}

// PublicKeySPKIBase64 exports the public half as base64-encoded SPKI
// DER, the format a browser's WebCrypto `exportKey("spki", ...)` emits.
func (k *KeyPair) PublicKeySPKIBase64() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(k.public)
	if err != nil {
		return "", protocol.Wrap(protocol.CodeCryptoKeyImport, "encode spki public key", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ImportPublicKeySPKI decodes a base64 SPKI DER public key as produced
// by a browser's WebCrypto `exportKey("spki", ...)` for an ECDH P-256
// key.
func ImportPublicKeySPKI(spkiBase64 string) (*ecdh.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(spkiBase64)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeCryptoEncoding, "invalid base64 spki", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeCryptoKeyImport, "invalid spki public key", err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, protocol.NewError(protocol.CodeCryptoKeyImport, fmt.Sprintf("spki key has unexpected type %T", pub))
	}
	ecKey, err := ecdsaPub.ECDH()
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeCryptoKeyImport, "spki key is not a p-256 ecdh key", err)
	}
	return ecKey, nil
}

// DeriveSharedKey runs an ECDH exchange between priv and peerPub and
// passes the raw shared secret through HKDF-SHA256 to produce a 256-bit
// AES key, rather than using the raw ECDH output directly — see
// DESIGN.md for why.
func DeriveSharedKey(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeCryptoKeyImport, "ecdh exchange", err)
	}
	return hkdfExpand(secret)
}
