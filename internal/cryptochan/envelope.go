package cryptochan

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/haexspace/haexbridge/internal/protocol"
)

// Seal encrypts plaintext under key with a fresh random 12-byte nonce
// and returns the base64 ciphertext and base64 IV, the two fields an
// EncryptedEnvelope carries on the wire.
func Seal(key, plaintext []byte) (ciphertextB64, ivB64 string, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", protocol.Wrap(protocol.CodeCryptoAuthenticate, "build aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", protocol.Wrap(protocol.CodeCryptoAuthenticate, "build gcm mode", err)
	}
	iv := make([]byte, IVLength)
	if _, err := rand.Read(iv); err != nil {
		return "", "", protocol.Wrap(protocol.CodeCryptoAuthenticate, "generate iv", err)
	}
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), base64.StdEncoding.EncodeToString(iv), nil
}

// Open decrypts a base64 ciphertext/IV pair under key. Decryption
// failures — bad tag, wrong key, truncated ciphertext — all collapse
// into CodeCryptoAuthenticate, per §4.4's instruction not to distinguish
// decryption failure modes to third parties.
func Open(key []byte, ciphertextB64, ivB64 string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeCryptoEncoding, "invalid ciphertext base64", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeCryptoEncoding, "invalid iv base64", err)
	}
	if len(iv) != IVLength {
		return nil, protocol.NewError(protocol.CodeCryptoIvLength, "iv has wrong length")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeCryptoAuthenticate, "build aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeCryptoAuthenticate, "build gcm mode", err)
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeCryptoAuthenticate, "decrypt envelope", err)
	}
	return plaintext, nil
}

// DecryptEnvelopePayload imports the sender's ephemeral public key from
// env, derives the shared key against recipientPriv, and decrypts the
// envelope's message field into raw JSON bytes.
func DecryptEnvelopePayload(recipientPriv *KeyPair, messageB64, ivB64, senderPublicKeySPKI string) (json.RawMessage, error) {
	senderPub, err := ImportPublicKeySPKI(senderPublicKeySPKI)
	if err != nil {
		return nil, err
	}
	key, err := DeriveSharedKey(recipientPriv.private, senderPub)
	if err != nil {
		return nil, err
	}
	plaintext, err := Open(key, messageB64, ivB64)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(plaintext), nil
}

// EncryptResponsePayload generates a fresh ephemeral keypair (for
// per-direction forward secrecy), derives a shared key against the
// target's public key, and encrypts payload. It returns the ciphertext,
// IV, and the ephemeral public key the recipient needs to reproduce the
// shared secret on its side.
func EncryptResponsePayload(targetPublicKeySPKI string, payload any) (ciphertextB64, ivB64, ephemeralPublicKeySPKI string, err error) {
	target, err := ImportPublicKeySPKI(targetPublicKeySPKI)
	if err != nil {
		return "", "", "", err
	}
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return "", "", "", err
	}
	key, err := DeriveSharedKey(ephemeral.private, target)
	if err != nil {
		return "", "", "", err
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", "", "", protocol.Wrap(protocol.CodeInternal, "marshal response payload", err)
	}
	ciphertextB64, ivB64, err = Seal(key, plaintext)
	if err != nil {
		return "", "", "", err
	}
	ephemeralPub, err := ephemeral.PublicKeySPKIBase64()
	if err != nil {
		return "", "", "", err
	}
	return ciphertextB64, ivB64, ephemeralPub, nil
}
