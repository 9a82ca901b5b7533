package ech

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"github.com/quietmesh/ech/internal/hpke"
)

// supportedKEMs lists the KEM identifiers the Client Assembler can use,
// spec.md §4.5 step 1.
var supportedKEMs = map[uint16]bool{
	kemX25519HKDFSHA256: true,
}

// SelectConfig scans list for a config whose (kem_id, kdf_id, aead_id) is
// locally supported, spec.md §4.5 step 1. If outerName is non-empty,
// configs whose public_name matches it are preferred; otherwise the first
// compatible config wins. It also returns the matching cipher suite.
func SelectConfig(list *ECHConfigList, outerName string) (*ECHConfig, CipherSuite, error) {
	var fallback *ECHConfig
	var fallbackSuite CipherSuite
	for _, cfg := range list.Configs {
		if !supportedKEMs[cfg.KEM] {
			continue
		}
		for _, suite := range cfg.CipherSuites {
			if !supportedSuite(suite) {
				continue
			}
			if outerName != "" && string(cfg.PublicName) == outerName {
				return cfg, suite, nil
			}
			if fallback == nil {
				fallback = cfg
				fallbackSuite = suite
			}
		}
	}
	if fallback == nil {
		return nil, CipherSuite{}, ErrNoMatchingSuite
	}
	return fallback, fallbackSuite, nil
}

func supportedSuite(s CipherSuite) bool {
	switch s.KDF {
	case kdfHKDFSHA256, kdfHKDFSHA384, kdfHKDFSHA512:
	default:
		return false
	}
	switch s.AEAD {
	case aeadAES128GCM, aeadAES256GCM, aeadChaCha20Poly1305:
	default:
		return false
	}
	return true
}

// AssembleOuter implements spec.md §4.5 steps 2-5: it seals
// encodedInner under cfg's public key using suite, then splices the
// resulting encrypted_client_hello extension into outer (whose
// Extensions must not yet contain one), rewriting the extensions-length
// field implicitly via re-marshal.
func AssembleOuter(outer *clientHello, cfg *ECHConfig, suite CipherSuite, encodedInner []byte) (*clientHello, error) {
	info := buildInfo(cfg)

	// outer is marshaled once with the ECH extension absent; the AAD is
	// built from that encoding plus the real "enc", since the ECH
	// extension itself is excluded from AAD, spec.md §4.4.
	outerBody, err := outer.marshal(false)
	if err != nil {
		return nil, err
	}

	enc, sender, err := hpke.SetupSender(cfg.KEM, suite.KDF, suite.AEAD, cfg.PublicKey, info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHPKEFailure, err)
	}
	aad, err := buildAAD(suite.KDF, suite.AEAD, cfg.ID, enc, outerBody[4:], outer.Extensions)
	if err != nil {
		return nil, err
	}
	ciphertext, err := sender.Seal(aad, encodedInner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHPKEFailure, err)
	}

	extData, err := marshalECHExtension(suite, cfg.ID, enc, ciphertext)
	if err != nil {
		return nil, err
	}

	assembled := *outer
	assembled.Extensions = append(append([]helloExtension{}, outer.Extensions...), helloExtension{
		Type: 0xfe0d,
		Data: extData,
	})
	return &assembled, nil
}

// AssembleClientHello is the client-side one-shot entry point for the
// Client Assembler, spec.md §4.5's control flow (Key selection → Inner
// Encoder → HPKE Context Builder → Client Assembler). outerRecord and
// innerRecord are both handshake-framed ClientHello messages (msg_type +
// 3-byte length + body); outerRecord already carries the SNI/ALPN/etc. a
// real client would send on the wire (the Client Assembler only adds the
// encrypted_client_hello extension, it does not choose outer parameters).
// If list offers no ECHConfig this package supports, a GREASE extension
// is appended to outerRecord instead, spec.md §4.8, so the two code paths
// produce wire-indistinguishable ClientHellos.
func AssembleClientHello(outerRecord, innerRecord []byte, list *ECHConfigList, policy CompressionPolicy, opts ...Option) ([]byte, error) {
	outer, err := parseClientHello(outerRecord)
	if err != nil {
		return nil, fmt.Errorf("%w: outer: %v", ErrDecodeError, err)
	}
	inner, err := parseClientHello(innerRecord)
	if err != nil {
		return nil, fmt.Errorf("%w: inner: %v", ErrDecodeError, err)
	}

	o := defaultConnOptions()
	for _, opt := range opts {
		opt(&o)
	}

	var cfg *ECHConfig
	var suite CipherSuite
	if list != nil && len(list.Configs) > 0 {
		cfg, suite, err = SelectConfig(list, outer.ServerName)
		if err != nil && !errors.Is(err, ErrNoMatchingSuite) {
			return nil, err
		}
	}
	if cfg == nil {
		greaseData, err := GREASE(o.greaseSuite)
		if err != nil {
			return nil, err
		}
		outer.Extensions = append(outer.Extensions, helloExtension{Type: 0xfe0d, Data: greaseData})
		return outer.Marshal()
	}

	encodedInner, _, err := EncodeInner(inner, policy)
	if err != nil {
		return nil, err
	}
	assembled, err := AssembleOuter(outer, cfg, suite, encodedInner)
	if err != nil {
		return nil, err
	}
	return assembled.Marshal()
}

func marshalECHExtension(suite CipherSuite, configID uint8, enc, ciphertext []byte) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0) // ClientECH (outer)
	b.AddUint16(suite.KDF)
	b.AddUint16(suite.AEAD)
	b.AddUint8(configID)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(enc)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(ciphertext)
	})
	return b.Bytes()
}
