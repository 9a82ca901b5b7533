package ech

import (
	"bytes"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// serverHello is the Server Hello message specified in RFC 8446 §4.1.3.
type serverHello struct {
	LegacyVersion           uint16
	Random                  []uint8
	LegacySessionID         []byte
	CipherSuite             uint16
	LegacyCompressionMethod uint8
	Extensions              []helloExtension
}

func (h serverHello) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "LegacyVersion: 0x%04x\n", h.LegacyVersion)
	fmt.Fprintf(&b, "Random: 0x%x\n", h.Random)
	fmt.Fprintf(&b, "LegacySessionID: 0x%x\n", h.LegacySessionID)
	fmt.Fprintf(&b, "CipherSuite: 0x%x\n", h.CipherSuite)
	fmt.Fprintf(&b, "LegacyCompressionMethod: 0x%x\n", h.LegacyCompressionMethod)
	fmt.Fprintf(&b, "Extensions:\n")
	for _, ext := range h.Extensions {
		fmt.Fprintf(&b, "  %s(%d): 0x%X (%d bytes)\n", extensionName(ext.Type), ext.Type, ext.Data, len(ext.Data))
	}
	return b.String()
}

// IsHelloRetryRequest reports whether h's random is the well-known
// HelloRetryRequest sentinel.
func (h serverHello) IsHelloRetryRequest() bool {
	return bytes.Equal(h.Random, helloRetryRequest)
}

// Marshal returns the handshake-message encoding of h (msg_type + length +
// body), without a surrounding TLS record.
func (h *serverHello) Marshal() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0x02)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(h.LegacyVersion)
		b.AddBytes(h.Random)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(h.LegacySessionID)
		})
		b.AddUint16(h.CipherSuite)
		b.AddUint8(h.LegacyCompressionMethod)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, ext := range h.Extensions {
				b.AddUint16(ext.Type)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(ext.Data)
				})
			}
		})
	})
	return b.Bytes()
}

func parseServerHello(buf []byte) (*serverHello, error) {
	var hello serverHello

	s := cryptobyte.String(buf)
	var msgType uint8
	if !s.ReadUint8(&msgType) {
		return nil, ErrDecodeError
	}
	if msgType != 0x02 {
		return nil, fmt.Errorf("%w: msg_type 0x%x != 0x02", ErrUnexpectedMessage, msgType)
	}
	var ss cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&ss) {
		return nil, ErrDecodeError
	}
	s = ss

	if !s.ReadUint16(&hello.LegacyVersion) {
		return nil, ErrDecodeError
	}
	if !s.ReadBytes(&hello.Random, 32) {
		return nil, ErrDecodeError
	}

	var v cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&v) {
		return nil, ErrDecodeError
	}
	hello.LegacySessionID = slices.Clone(v)
	if !s.ReadUint16(&hello.CipherSuite) {
		return nil, ErrDecodeError
	}
	if !s.ReadUint8(&hello.LegacyCompressionMethod) {
		return nil, ErrDecodeError
	}

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) {
		return nil, ErrDecodeError
	}
	for !extensions.Empty() {
		var extType uint16
		var data cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&data) {
			return nil, ErrDecodeError
		}
		hello.Extensions = append(hello.Extensions, helloExtension{
			Type: extType,
			Data: slices.Clone(data),
		})
	}
	return &hello, nil
}

// toRecord wraps a single handshake message in a plaintext TLS record,
// content type 22 (handshake), legacy record version 0x0303.
func toRecord(handshakeMsg []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0x16)
	b.AddUint16(0x0303)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(handshakeMsg)
	})
	return b.BytesOrPanic()
}
