package ech

import (
	"crypto/rand"

	"golang.org/x/crypto/cryptobyte"
)

// greasePayloadLength is the default ciphertext length used for GREASE
// ECH extensions, draft-ietf-tls-esni §6.2, chosen to match a typical real
// payload so passive observers cannot distinguish it by size.
const greasePayloadLength = 0x1D3

// greaseKeyLength is the length of a GREASE "enc" value, matching
// DHKEM(X25519)'s public key size.
const greaseKeyLength = 32

// GREASE returns a structurally valid but random encrypted_client_hello
// extension value, for use when no real ECH configuration is available,
// spec.md §4.8. suite selects the advertised (kdf_id, aead_id); no KEM is
// selected, and enc is greaseKeyLength random bytes, the size of an X25519
// public key.
func GREASE(suite CipherSuite) ([]byte, error) {
	var configID [1]byte
	if _, err := rand.Read(configID[:]); err != nil {
		return nil, err
	}
	enc := make([]byte, greaseKeyLength)
	if _, err := rand.Read(enc); err != nil {
		return nil, err
	}
	payload := make([]byte, greasePayloadLength)
	if _, err := rand.Read(payload); err != nil {
		return nil, err
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0) // ClientECH (outer) type
	b.AddUint16(suite.KDF)
	b.AddUint16(suite.AEAD)
	b.AddUint8(configID[0])
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(enc)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(payload)
	})
	return b.Bytes()
}

// defaultGreaseSuite is used by [GREASE] callers that have not pinned a
// preferred suite.
var defaultGreaseSuite = defaultCipherSuites[0]
