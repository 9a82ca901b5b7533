package ech

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// acceptConfirmationLabel is the literal HKDF-Expand-Label used to derive
// the accept-confirmation value, spec.md §4.7/§6.
const acceptConfirmationLabel = "ech accept confirmation"

// acceptConfirmationLength is the number of low-order bytes of
// ServerHello.random that carry the confirmation value.
const acceptConfirmationLength = 8

// acceptConfirmationExportContext is the HPKE exporter context used by
// [Conn] to derive the handshakeSecret input to [ComputeAcceptConfirmation].
// Conn sits beneath the real tls.Server and never observes its TLS 1.3
// handshake_secret, so it exports a secret from its own HPKE context
// instead (RFC 9180 §5.3); this is a Conn-local derivation, not part of
// the TLS 1.3 key schedule itself.
var acceptConfirmationExportContext = []byte("ech accept confirmation")

// ComputeAcceptConfirmation implements spec.md §4.7: it builds a
// transcript of innerCH followed by serverHello with the low 8 bytes of
// its random zeroed, hashes it with hashFn, and derives an 8-byte value
// via the TLS 1.3 HKDF-Expand-Label construction (RFC 8446 §7.1) keyed by
// handshakeSecret.
func ComputeAcceptConfirmation(hashFn func() hash.Hash, handshakeSecret, innerCH, serverHello []byte, randomOffset int) ([]byte, error) {
	transcript := make([]byte, 0, len(innerCH)+len(serverHello))
	transcript = append(transcript, innerCH...)
	zeroed := append([]byte{}, serverHello...)
	if randomOffset+32 > len(zeroed) {
		return nil, ErrDecodeError
	}
	for i := randomOffset + 24; i < randomOffset+32; i++ {
		zeroed[i] = 0
	}
	transcript = append(transcript, zeroed...)

	h := hashFn()
	h.Write(transcript)
	transcriptHash := h.Sum(nil)

	return hkdfExpandLabel(hashFn, handshakeSecret, acceptConfirmationLabel, transcriptHash, acceptConfirmationLength)
}

// hkdfExpandLabel implements RFC 8446 §7.1's HKDF-Expand-Label using
// golang.org/x/crypto/hkdf's Expand.
func hkdfExpandLabel(hashFn func() hash.Hash, secret []byte, label string, context []byte, length int) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(length))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 " + label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	hkdfLabel, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	r := hkdf.Expand(hashFn, secret, hkdfLabel)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HashForSuite returns the transcript hash function matching an HPKE KDF
// identifier, used to select SHA-256/384/512 for [ComputeAcceptConfirmation].
func HashForSuite(kdfID uint16) func() hash.Hash {
	switch kdfID {
	case kdfHKDFSHA384:
		return sha512.New384
	case kdfHKDFSHA512:
		return sha512.New
	default:
		return sha256.New
	}
}
