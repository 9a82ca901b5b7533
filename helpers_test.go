package ech

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"github.com/quietmesh/ech/internal/hpke"
)

func newCert(names ...string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}
	now := time.Now()
	templ := &x509.Certificate{
		Issuer:                pkix.Name{CommonName: names[0]},
		Subject:               pkix.Name{CommonName: names[0]},
		SerialNumber:          big.NewInt(1),
		NotBefore:             now,
		NotAfter:              now.Add(3650 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              names,
	}
	b, err := x509.CreateCertificate(rand.Reader, templ, templ, key.Public(), key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("x509.CreateCertificate: %w", err)
	}
	cert, err := x509.ParseCertificate(b)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{b},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

func newFakeConn(in []byte) *fakeConn {
	return &fakeConn{
		Reader: bytes.NewBuffer(in),
		Writer: bytes.NewBuffer(nil),
	}
}

// fakeConn is a minimal net.Conn over in-memory buffers, for feeding
// hand-assembled records into [Conn] without a real socket.
type fakeConn struct {
	io.Reader
	io.Writer
}

func (fakeConn) Close() error                      { return nil }
func (fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (fakeConn) SetDeadline(t time.Time) error      { return nil }
func (fakeConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (fakeConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }

// testClientHello is a hand-assembled ClientHello used to exercise [Conn]
// without a real TLS stack on the other end.
type testClientHello struct {
	*clientHello

	hpkeCtx *hpke.Sender
}

// newClientHello builds a ClientHello from a mix of string tags ("public",
// "private", "tls1.3", "echExtInner", "ech_outer_extensions", "aes-128",
// "aes-256") and typed values: a [Config] and *ecdh.PublicKey naming the
// target ECHConfig, an *hpke.Sender to reuse across a retried ClientHello,
// or an inner *testClientHello to seal as the ECH payload.
func newClientHello(opts ...any) *testClientHello {
	h := &testClientHello{
		clientHello: &clientHello{
			LegacyVersion:            0x0303,
			Random:                   bytes.Repeat([]byte{0x42}, 32),
			LegacySessionID:          []byte{1, 2, 3, 4},
			CipherSuite:              []byte{0x13, 0x01, 0x13, 0x02, 0x13, 0x03},
			LegacyCompressionMethods: []byte{0},
		},
	}
	var pubKey *ecdh.PublicKey
	var inner *testClientHello
	var config Config
	aeadID := hpke.ChaCha20Poly1305
	for _, opt := range opts {
		switch v := opt.(type) {
		case string:
			switch v {
			case "public":
				h.addServerName("public.example.com")
			case "private":
				h.addServerName("private.example.com")
			case "tls1.3":
				h.addSupportedVersionTLS13()
			case "echExtInner":
				h.addClientHelloExtInner()
			case "ech_outer_extensions":
				h.addECHOuterExt(nil)
			case "aes-256":
				aeadID = hpke.AES256GCM
			case "aes-128":
				aeadID = hpke.AES128GCM
			}
		case Config:
			config = v
		case *ecdh.PublicKey:
			pubKey = v
		case *hpke.Sender:
			h.hpkeCtx = v
		case *testClientHello:
			inner = v
		}
	}
	if inner != nil {
		spec, err := config.Spec()
		if err != nil {
			panic(err)
		}
		info := buildInfo(spec)
		var encap []byte
		if h.hpkeCtx == nil {
			enc, hpkeCtx, err := hpke.SetupSender(hpke.DHKEM_X25519_HKDF_SHA256, kdfHKDFSHA256, aeadID, pubKey.Bytes(), info)
			if err != nil {
				panic(err)
			}
			h.hpkeCtx = hpkeCtx
			encap = enc
		} else {
			encap = []byte{}
		}
		innerBody := inner.handshakeMsg()[4:]

		// AAD against the outer with no ECH extension present yet;
		// buildAAD removes any ECH extension, so this matches the AAD
		// the server computes from the final outer.
		h.parse()
		outerBody, err := h.marshal(false)
		if err != nil {
			panic(err)
		}
		aad, err := buildAAD(kdfHKDFSHA256, aeadID, spec.ID, encap, outerBody[4:], h.clientHello.Extensions)
		if err != nil {
			panic(err)
		}
		ciphertext, err := h.hpkeCtx.Seal(aad, innerBody)
		if err != nil {
			panic(err)
		}
		h.addClientHelloExtOuter(kdfHKDFSHA256, aeadID, spec.ID, encap, ciphertext)
	}
	h.parse()
	return h
}

// handshakeMsg returns the handshake-message encoding (msg_type + length +
// body), with no TLS record wrapper.
func (h *testClientHello) handshakeMsg() []byte {
	m, err := h.Marshal()
	if err != nil {
		panic(err)
	}
	return m
}

// bytes returns h framed as a plaintext TLS record, the form [Conn] reads
// off the wire.
func (h *testClientHello) bytes() []byte {
	return toRecord(h.handshakeMsg())
}

func (h *testClientHello) parse() {
	hello, err := parseClientHello(h.handshakeMsg())
	if err != nil {
		panic(err)
	}
	h.clientHello = hello
}

func (h *testClientHello) addServerName(name string) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0x00) // name_type: host_name
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(name))
		})
	})
	data, err := b.Bytes()
	if err != nil {
		panic(err)
	}
	h.clientHello.Extensions = append(h.clientHello.Extensions, helloExtension{Type: 0, Data: data})
}

func (h *testClientHello) addSupportedVersionTLS13() {
	h.clientHello.Extensions = append(h.clientHello.Extensions, helloExtension{
		Type: 43,
		Data: []byte{0x02, 0x03, 0x04}, // supported_versions: {TLS 1.3}
	})
}

func (h *testClientHello) addECHOuterExt(ext []uint16) {
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, e := range ext {
			b.AddUint16(e)
		}
	})
	data, err := b.Bytes()
	if err != nil {
		panic(err)
	}
	h.clientHello.Extensions = append(h.clientHello.Extensions, helloExtension{Type: 0xfd00, Data: data})
}

func (h *testClientHello) addClientHelloExtInner() {
	h.clientHello.Extensions = append(h.clientHello.Extensions, helloExtension{Type: 0xfe0d, Data: []byte{0x01}})
}

func (h *testClientHello) addClientHelloExtOuter(kdfID, aeadID uint16, id uint8, encap, payload []byte) {
	var b cryptobyte.Builder
	b.AddUint8(0x00) // ClientECH (outer)
	b.AddUint16(kdfID)
	b.AddUint16(aeadID)
	b.AddUint8(id)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(encap)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(payload)
	})
	data, err := b.Bytes()
	if err != nil {
		panic(err)
	}
	h.clientHello.Extensions = append(h.clientHello.Extensions, helloExtension{Type: 0xfe0d, Data: data})
}

func helloRetryReq() []byte {
	h := &serverHello{
		LegacyVersion:           0x0303,
		Random:                  append([]byte{}, helloRetryRequest...),
		LegacySessionID:         []byte{1, 2, 3},
		CipherSuite:             0x1301,
		LegacyCompressionMethod: 0x00,
	}
	m, err := h.Marshal()
	if err != nil {
		panic(err)
	}
	return toRecord(m)
}
