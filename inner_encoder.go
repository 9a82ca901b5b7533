package ech

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// CompressAction is the per-extension-type disposition applied by the
// Inner Encoder when building an EncodedClientHelloInner, spec.md §4.3.
type CompressAction int

const (
	// Replicate sends the extension independently in both inner and outer.
	Replicate CompressAction = iota
	// Copy means the outer reuses the exact inner bytes verbatim.
	Copy
	// Compress omits the extension from the wire inner entirely; it is
	// referenced by an outer_extensions extension instead.
	Compress
)

// CompressionPolicy maps extension types to a [CompressAction]. Types not
// present default to [Replicate].
type CompressionPolicy map[uint16]CompressAction

// Action returns the policy's disposition for extension type t.
func (p CompressionPolicy) Action(t uint16) CompressAction {
	if p == nil {
		return Replicate
	}
	if a, ok := p[t]; ok {
		return a
	}
	return Replicate
}

// echOuterExtensionsType is the wire type of the outer_extensions
// extension, draft-ietf-tls-esni §5.
const echOuterExtensionsType uint16 = 0xfd00

// EncodeInner builds the EncodedClientHelloInner from a fully-formed inner
// ClientHello, applying policy's compression rules, spec.md §4.3. The
// result is the ClientHello body only (no handshake header), with a
// zero-length legacy_session_id and, where compression applies, a single
// outer_extensions extension in place of the first compressed extension.
func EncodeInner(inner *clientHello, policy CompressionPolicy) ([]byte, []uint16, error) {
	var outerOnly []uint16
	var newExt []helloExtension
	emittedOuterExtensions := false

	for _, ext := range inner.Extensions {
		switch policy.Action(ext.Type) {
		case Compress:
			outerOnly = append(outerOnly, ext.Type)
			if !emittedOuterExtensions {
				newExt = append(newExt, helloExtension{Type: echOuterExtensionsType})
				emittedOuterExtensions = true
			}
		default: // Replicate, Copy
			newExt = append(newExt, ext)
		}
	}
	if emittedOuterExtensions {
		data, err := marshalOuterExtensionsList(outerOnly)
		if err != nil {
			return nil, nil, err
		}
		for i := range newExt {
			if newExt[i].Type == echOuterExtensionsType {
				newExt[i].Data = data
				break
			}
		}
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(inner.LegacyVersion)
	b.AddBytes(inner.Random)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {}) // legacy_session_id: always empty
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(inner.CipherSuite)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(inner.LegacyCompressionMethods)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, ext := range newExt {
			b.AddUint16(ext.Type)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(ext.Data)
			})
		}
	})
	encoded, err := b.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return encoded, outerOnly, nil
}

func marshalOuterExtensionsList(types []uint16) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, t := range types {
			b.AddUint16(t)
		}
	})
	return b.Bytes()
}

// DecodeInner reverses [EncodeInner] given the decrypted
// EncodedClientHelloInner bytes, the original session ID from the outer
// ClientHello, and the outer ClientHello's own extensions (in their
// original order) to resolve outer_extensions references, spec.md §4.3
// and §4.6 step 7. It returns a full handshake-framed inner ClientHello
// message (type + 3-byte length + body).
func DecodeInner(encodedInner []byte, sessionID []byte, outerExtensions []helloExtension) ([]byte, error) {
	s := cryptobyte.String(encodedInner)
	var legacyVersion uint16
	var random []byte
	if !s.ReadUint16(&legacyVersion) {
		return nil, fmt.Errorf("%w: legacy_version", ErrDecodeError)
	}
	if !s.ReadBytes(&random, 32) {
		return nil, fmt.Errorf("%w: random", ErrDecodeError)
	}
	var v cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&v) {
		return nil, fmt.Errorf("%w: legacy_session_id", ErrDecodeError)
	}
	if len(v) != 0 {
		return nil, fmt.Errorf("%w: encoded inner legacy_session_id must be empty", ErrIllegalParameter)
	}
	var cipherSuite, compressionMethods []byte
	if !s.ReadUint16LengthPrefixed(&v) {
		return nil, fmt.Errorf("%w: cipher_suites", ErrDecodeError)
	}
	cipherSuite = append([]byte{}, v...)
	if !s.ReadUint8LengthPrefixed(&v) {
		return nil, fmt.Errorf("%w: compression_methods", ErrDecodeError)
	}
	compressionMethods = append([]byte{}, v...)

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) {
		return nil, fmt.Errorf("%w: extensions", ErrDecodeError)
	}
	var resolved []helloExtension
	outerExtSeen := false
	outerPos := 0
	for !extensions.Empty() {
		var extType uint16
		var data cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&data) {
			return nil, fmt.Errorf("%w: extension entry", ErrDecodeError)
		}
		if extType != echOuterExtensionsType {
			resolved = append(resolved, helloExtension{Type: extType, Data: append([]byte{}, data...)})
			continue
		}
		if outerExtSeen {
			return nil, fmt.Errorf("%w: outer_extensions appears more than once", ErrIllegalParameter)
		}
		outerExtSeen = true
		var want cryptobyte.String
		if !data.ReadUint8LengthPrefixed(&want) {
			return nil, fmt.Errorf("%w: outer_extensions list", ErrDecodeError)
		}
		for !want.Empty() {
			var wantType uint16
			if !want.ReadUint16(&wantType) {
				return nil, fmt.Errorf("%w: outer_extensions entry", ErrDecodeError)
			}
			if wantType == 0xfe0d {
				return nil, fmt.Errorf("%w: outer_extensions references encrypted_client_hello", ErrIllegalParameter)
			}
			found := false
			for outerPos < len(outerExtensions) {
				p := outerPos
				outerPos++
				if outerExtensions[p].Type != wantType {
					continue
				}
				resolved = append(resolved, outerExtensions[p])
				found = true
				break
			}
			if !found {
				return nil, fmt.Errorf("%w: outer_extensions type 0x%x not present in outer", ErrIllegalParameter, wantType)
			}
		}
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0x01)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(legacyVersion)
		b.AddBytes(random)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(sessionID)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(cipherSuite)
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(compressionMethods)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, ext := range resolved {
				b.AddUint16(ext.Type)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(ext.Data)
				})
			}
		})
	})
	return b.Bytes()
}
