package ech

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// clientHello is the Client Hello message specified in RFC 8446 §4.1.2.
type clientHello struct {
	LegacyVersion            uint16
	Random                   []uint8
	LegacySessionID          []byte
	CipherSuite              []byte
	LegacyCompressionMethods []byte
	Extensions               []helloExtension

	ServerName string
	ALPNProtos []string

	hasECHOuterExtensions bool
	tls13                 bool
	echExt                *echExt
}

// echExt is the ECH Extension as specified in §5 of
// https://datatracker.ietf.org/doc/html/draft-ietf-tls-esni/.
type echExt struct {
	Type        uint8
	CipherSuite CipherSuite
	ConfigID    uint8
	Enc         []byte
	Payload     []byte
}

func (c clientHello) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "LegacyVersion: 0x%04x\n", c.LegacyVersion)
	fmt.Fprintf(&b, "Random: 0x%x\n", c.Random)
	fmt.Fprintf(&b, "LegacySessionID: 0x%x\n", c.LegacySessionID)
	fmt.Fprintf(&b, "CipherSuite: 0x%x\n", c.CipherSuite)
	fmt.Fprintf(&b, "LegacyCompressionMethods: 0x%x\n", c.LegacyCompressionMethods)
	fmt.Fprintf(&b, "Extensions:\n")
	for _, ext := range c.Extensions {
		fmt.Fprintf(&b, "  %s(%d): 0x%X (%d bytes)\n", extensionName(ext.Type), ext.Type, ext.Data, len(ext.Data))
	}
	if c.echExt != nil {
		fmt.Fprintf(&b, "ECH Type: 0x%02x\n", c.echExt.Type)
		if c.echExt.Type == 0 {
			fmt.Fprintf(&b, "ECH CipherSuite: KDF 0x%04x AEAD 0x%04x\n", c.echExt.CipherSuite.KDF, c.echExt.CipherSuite.AEAD)
			fmt.Fprintf(&b, "ECH ConfigID: 0x%02x\n", c.echExt.ConfigID)
			fmt.Fprintf(&b, "ECH Enc: 0x%x\n", c.echExt.Enc)
			fmt.Fprintf(&b, "ECH Payload: 0x%x\n", c.echExt.Payload)
		}
	}
	return b.String()
}

// helloExtension is a single TLS extension as it appears on the wire,
// RFC 8446 §4.2.
type helloExtension struct {
	Type uint16
	Data []byte
}

// Marshal returns the handshake-message encoding of c, including the
// msg_type/length header.
func (c *clientHello) Marshal() ([]byte, error) {
	return c.marshal(false)
}

// marshalAAD returns the ClientHello body (no handshake header) with the
// ECH extension's payload bytes zeroed. It is not used for the HPKE AAD:
// buildAAD in hpke_context.go removes the ECH extension instead.
func (c *clientHello) marshalAAD() ([]byte, error) {
	m, err := c.marshal(true)
	if err != nil {
		return nil, err
	}
	return m[4:], nil
}

func (c *clientHello) marshal(aad bool) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0x01)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(c.LegacyVersion)
		b.AddBytes(c.Random)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(c.LegacySessionID)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(c.CipherSuite)
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(c.LegacyCompressionMethods)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, ext := range c.Extensions {
				b.AddUint16(ext.Type)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					if aad && ext.Type == 0xfe0d && c.echExt != nil {
						n := len(ext.Data) - len(c.echExt.Payload)
						if n < 0 {
							n = 0
						}
						b.AddBytes(ext.Data[:n])
						b.AddBytes(make([]byte, len(ext.Data)-n))
						return
					}
					b.AddBytes(ext.Data)
				})
			}
		})
	})
	return b.Bytes()
}

func parseClientHello(buf []byte) (*clientHello, error) {
	hello := new(clientHello)

	s := cryptobyte.String(buf)
	var msgType uint8
	if !s.ReadUint8(&msgType) {
		return nil, ErrDecodeError
	}
	if msgType != 0x01 {
		return nil, fmt.Errorf("%w: msg_type 0x%x != 0x01", ErrUnexpectedMessage, msgType)
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
	if !s.ReadUint16LengthPrefixed(&v) {
		return nil, ErrDecodeError
	}
	hello.CipherSuite = slices.Clone(v)
	if !s.ReadUint8LengthPrefixed(&v) {
		return nil, ErrDecodeError
	}
	hello.LegacyCompressionMethods = slices.Clone(v)

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
	if err := hello.parseExtensions(); err != nil {
		return nil, err
	}
	return hello, nil
}

func (c *clientHello) parseExtensions() error {
	c.ServerName = ""
	c.ALPNProtos = nil
	c.hasECHOuterExtensions = false
	c.tls13 = false
	c.echExt = nil

	for _, ext := range c.Extensions {
		data := cryptobyte.String(ext.Data)
		switch ext.Type {
		case 0: // server_name, RFC 6066 §3
			var serverNameList cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&serverNameList) {
				return fmt.Errorf("%w: serverNameList", ErrDecodeError)
			}
			for !serverNameList.Empty() {
				var nameType uint8
				var hostName cryptobyte.String
				if !serverNameList.ReadUint8(&nameType) {
					return fmt.Errorf("%w: name type", ErrDecodeError)
				}
				if nameType != 0 {
					return fmt.Errorf("%w: invalid nametype 0x%x", ErrIllegalParameter, nameType)
				}
				if !serverNameList.ReadUint16LengthPrefixed(&hostName) || c.ServerName != "" {
					return fmt.Errorf("%w: host name", ErrDecodeError)
				}
				c.ServerName = string(hostName)
			}

		case 16: // application_layer_protocol_negotiation, RFC 7301 §3
			var protocolNameList cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&protocolNameList) {
				return fmt.Errorf("%w: protocol name list", ErrDecodeError)
			}
			for !protocolNameList.Empty() {
				var protocolName cryptobyte.String
				if !protocolNameList.ReadUint8LengthPrefixed(&protocolName) {
					return fmt.Errorf("%w: protocol name", ErrDecodeError)
				}
				c.ALPNProtos = append(c.ALPNProtos, string(protocolName))
			}

		case 43: // supported_versions
			var versions cryptobyte.String
			if !data.ReadUint8LengthPrefixed(&versions) {
				return fmt.Errorf("%w: supported versions", ErrDecodeError)
			}
			for !versions.Empty() {
				var v uint16
				if !versions.ReadUint16(&v) {
					return fmt.Errorf("%w: version", ErrDecodeError)
				}
				if v >= 0x0304 {
					c.tls13 = true
				}
			}

		case 0xfd00: // ech_outer_extensions
			c.hasECHOuterExtensions = true

		case 0xfe0d: // encrypted_client_hello
			c.echExt = &echExt{}
			if !data.ReadUint8(&c.echExt.Type) {
				return fmt.Errorf("%w: ech type", ErrDecodeError)
			}
			if c.echExt.Type > 1 {
				return fmt.Errorf("%w: ech type %d", ErrIllegalParameter, c.echExt.Type)
			}
			if c.echExt.Type == 0 { // outer
				if !data.ReadUint16(&c.echExt.CipherSuite.KDF) {
					return fmt.Errorf("%w: ech ext kdf", ErrDecodeError)
				}
				if !data.ReadUint16(&c.echExt.CipherSuite.AEAD) {
					return fmt.Errorf("%w: ech ext aead", ErrDecodeError)
				}
				if !data.ReadUint8(&c.echExt.ConfigID) {
					return fmt.Errorf("%w: ech ext config id", ErrDecodeError)
				}
				var v cryptobyte.String
				if !data.ReadUint16LengthPrefixed(&v) {
					return fmt.Errorf("%w: ech ext enc", ErrDecodeError)
				}
				if len(v) > 1024 {
					return fmt.Errorf("%w: ech ext enc too large", ErrBadExtension)
				}
				c.echExt.Enc = slices.Clone(v)
				if !data.ReadUint16LengthPrefixed(&v) {
					return fmt.Errorf("%w: ech ext payload", ErrDecodeError)
				}
				if len(v) > 16384 {
					return fmt.Errorf("%w: ech ext payload too large", ErrBadExtension)
				}
				c.echExt.Payload = slices.Clone(v)
			}
		}
	}
	return nil
}

// extensionByType returns the first extension of the given type, or nil.
func (c *clientHello) extensionByType(t uint16) *helloExtension {
	for i := range c.Extensions {
		if c.Extensions[i].Type == t {
			return &c.Extensions[i]
		}
	}
	return nil
}
