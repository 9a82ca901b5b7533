package ech

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// echInfoPrefix is the literal prefix of the HPKE "info" string, draft-
// ietf-tls-esni §6.1.
var echInfoPrefix = append([]byte("tls ech"), 0x00)

// buildInfo returns the HPKE "info" byte string for the given ECHConfig:
// the literal prefix "tls ech\x00" followed by the config's verbatim wire
// encoding.
func buildInfo(cfg *ECHConfig) []byte {
	return append(append([]byte{}, echInfoPrefix...), cfg.Bytes()...)
}

// buildAAD reconstructs the HPKE additional-authenticated-data string from
// an outer ClientHello body (legacy_version through the end of
// extensions) that still contains the ECH extension, per spec.md §4.4. It
// removes the encrypted_client_hello extension (type 0xfe0d), fixes up the
// extensions-length field, and prepends the ECH parameters.
func buildAAD(kdfID, aeadID uint16, configID uint8, enc []byte, outerBodyWithECH []byte, extensions []helloExtension) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(kdfID)
	b.AddUint16(aeadID)
	b.AddUint8(configID)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(enc)
	})
	strippedBody, err := stripECHExtension(outerBodyWithECH, extensions)
	if err != nil {
		return nil, err
	}
	if len(strippedBody) > 1<<24-1 {
		return nil, fmt.Errorf("%w: outer client hello too large", ErrBadExtension)
	}
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(strippedBody)
	})
	return b.Bytes()
}

// stripECHExtension re-marshals an outer ClientHello body with the
// encrypted_client_hello extension omitted, so the remaining bytes match
// exactly what the sender committed to when it sealed the payload.
func stripECHExtension(body []byte, extensions []helloExtension) ([]byte, error) {
	s := cryptobyte.String(body)
	var legacyVersion uint16
	var random, sessionID, cipherSuites, compressionMethods []byte
	if !s.ReadUint16(&legacyVersion) {
		return nil, fmt.Errorf("%w: legacy_version", ErrDecodeError)
	}
	if !s.ReadBytes(&random, 32) {
		return nil, fmt.Errorf("%w: random", ErrDecodeError)
	}
	var v cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&v) {
		return nil, fmt.Errorf("%w: session_id", ErrDecodeError)
	}
	sessionID = append([]byte{}, v...)
	if !s.ReadUint16LengthPrefixed(&v) {
		return nil, fmt.Errorf("%w: cipher_suites", ErrDecodeError)
	}
	cipherSuites = append([]byte{}, v...)
	if !s.ReadUint8LengthPrefixed(&v) {
		return nil, fmt.Errorf("%w: compression_methods", ErrDecodeError)
	}
	compressionMethods = append([]byte{}, v...)

	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(legacyVersion)
	b.AddBytes(random)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(sessionID)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(cipherSuites)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(compressionMethods)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, ext := range extensions {
			if ext.Type == 0xfe0d {
				continue
			}
			b.AddUint16(ext.Type)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(ext.Data)
			})
		}
	})
	return b.Bytes()
}
