// Package ech implements the Encrypted Client Hello (ECH) protocol engine
// for TLS 1.3, as defined in https://datatracker.ietf.org/doc/draft-ietf-tls-esni/.
package ech

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// Config is the serialized encoding of a single ECHConfig (version,
// content_length, body). It is what [NewConfig] returns and what
// [ConfigList] concatenates into an ECHConfigList.
type Config []byte

// Spec decodes c as a single ECHConfig. Unlike [ParseConfigList], c must
// contain exactly one config and no outer total_length prefix.
func (c Config) Spec() (*ECHConfig, error) {
	cfg, n, err := decodeOneConfig([]byte(c))
	if err != nil {
		return nil, err
	}
	if n != len(c) {
		return nil, fmt.Errorf("%w: trailing bytes after ECHConfig", ErrMalformedConfig)
	}
	return cfg, nil
}

// CipherSuite is a HPKE symmetric cipher suite pair, as carried in an
// ECHConfig's ciphersuites list and in the wire encrypted_client_hello
// extension's HpkeSymmetricCipherSuite.
type CipherSuite struct {
	KDF  uint16
	AEAD uint16
}

// Extension is a single (type, value) pair from an ECHConfig's extensions
// list. Empty values are valid.
type Extension struct {
	Type uint16
	Data []byte
}

// Supported ECHConfig versions.
const (
	VersionDraft10 uint16 = 0xfe0d
	VersionDraft09 uint16 = 0xfe09
)

// ECHConfig is a single published ECH configuration, spec.md §3.
type ECHConfig struct {
	Version           uint16
	ID                uint8 // config_id; draft-10 only, zero for draft-09
	KEM               uint16
	PublicKey         []byte
	CipherSuites      []CipherSuite
	MaximumNameLength uint16
	PublicName        []byte
	Extensions        []Extension

	// raw is the verbatim on-the-wire encoding of this config, version
	// through the end of extensions inclusive of the 4-byte
	// version+length header. It is a window into the enclosing
	// ECHConfigList's bytes (or, for a lone [Config], into c itself) and
	// must outlive the ECHConfig: it is the HPKE "info" string, spec.md §4.4.
	raw []byte
}

// Bytes returns the verbatim wire encoding of c (version through the end
// of extensions, 4-byte header included). This is the byte string used
// as the HPKE "info" prefix in spec.md §4.4, and property 1 of spec.md §8
// requires decode-then-reencode be a no-op on it.
func (c *ECHConfig) Bytes() []byte {
	return c.raw
}

// SupportsSuite reports whether c advertises the given HPKE suite.
func (c *ECHConfig) SupportsSuite(kem, kdf, aead uint16) bool {
	if c.KEM != kem {
		return false
	}
	for _, cs := range c.CipherSuites {
		if cs.KDF == kdf && cs.AEAD == aead {
			return true
		}
	}
	return false
}

// ECHConfigList is an ordered sequence of ECHConfig, spec.md §3.
type ECHConfigList struct {
	Configs []*ECHConfig

	raw      []byte // total_length field + the config entries it covers
	Leftover []byte // bytes beyond the declared total_length
}

// Raw returns the outer wire encoding of l (the u16 total_length field
// followed by exactly the bytes it declares), excluding any [Leftover].
func (l *ECHConfigList) Raw() []byte {
	return l.raw
}

// ConfigList returns a serialized ECHConfigList built from configs.
func ConfigList(configs []Config) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(c *cryptobyte.Builder) {
		for _, cfg := range configs {
			c.AddBytes(cfg)
		}
	})
	return b.Bytes()
}

// NewConfig generates a draft-10 ECHConfig and its matching private key.
// Per the open question in spec.md §9, only draft-10 is ever emitted;
// draft-09 support is decode-only.
func NewConfig(id uint8, publicName []byte) (*ecdh.PrivateKey, Config, error) {
	if l := len(publicName); l <= 1 || l > 255 {
		return nil, nil, fmt.Errorf("%w: invalid public name length", ErrInvalidFormat)
	}
	privKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(VersionDraft10)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(id)
		b.AddUint16(kemX25519HKDFSHA256)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(privKey.PublicKey().Bytes())
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(kdfHKDFSHA256)
			b.AddUint16(aeadChaCha20Poly1305)
		})
		b.AddUint16(0) // maximum_name_length: no hint
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(publicName)
		})
		b.AddUint16(0) // extensions
	})
	conf, err := b.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return privKey, conf, nil
}

// Format classifies the transport encoding of a raw ECHConfigList input,
// spec.md §4.1.
type Format int

const (
	FormatBinary Format = iota
	FormatASCIIHex
	FormatBase64
	FormatHTTPSSVC
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatASCIIHex:
		return "ascii-hex"
	case FormatBase64:
		return "base64"
	case FormatHTTPSSVC:
		return "https-svc"
	default:
		return "unknown"
	}
}

// GuessFormat classifies raw according to spec.md §4.1: HTTPS/SVCB (if the
// ASCII marker "ech=" appears), else ASCII-hex (if every byte is in
// [0-9A-Fa-f;]), else base64 (if every byte is in the base64 alphabet plus
// ";="), else binary. Ambiguity is resolved in that order, most restrictive
// first: ASCII-hex is a subset of the base64 alphabet, so it is checked
// before base64.
func GuessFormat(raw []byte) Format {
	if bytes.Contains(raw, []byte("ech=")) {
		return FormatHTTPSSVC
	}
	if len(raw) > 0 && allBytesIn(raw, isASCIIHexByte) {
		return FormatASCIIHex
	}
	if len(raw) > 0 && allBytesIn(raw, isBase64Byte) {
		return FormatBase64
	}
	return FormatBinary
}

func allBytesIn(raw []byte, pred func(byte) bool) bool {
	for _, b := range raw {
		if !pred(b) {
			return false
		}
	}
	return true
}

func isASCIIHexByte(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F') || b == ';'
}

func isBase64Byte(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
		b == '+' || b == '/' || b == ';' || b == '='
}

// ParseAny decodes raw, guessing its transport format first (spec.md §4.1).
// Base64 and ASCII-hex inputs may be ';'-separated concatenations; each
// fragment is decoded independently and the binary results are
// concatenated before being parsed as a single ECHConfigList. An
// "ech=<value>" HTTPS/SVCB-style fragment has its value extracted and
// base64-decoded the same way.
func ParseAny(raw []byte) (*ECHConfigList, error) {
	switch GuessFormat(raw) {
	case FormatHTTPSSVC:
		s := string(raw)
		idx := strings.Index(s, "ech=")
		if idx < 0 {
			return nil, fmt.Errorf("%w: missing ech= parameter", ErrMalformedConfig)
		}
		value := s[idx+len("ech="):]
		if end := strings.IndexByte(value, ';'); end >= 0 {
			value = value[:end]
		}
		bin, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
		}
		return DecodeConfigList(bin)
	case FormatASCIIHex:
		var bin []byte
		for _, frag := range strings.Split(string(raw), ";") {
			if frag == "" {
				continue
			}
			b, err := hex.DecodeString(frag)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
			}
			bin = append(bin, b...)
		}
		return DecodeConfigList(bin)
	case FormatBase64:
		var bin []byte
		for _, frag := range strings.Split(string(raw), ";") {
			if frag == "" {
				continue
			}
			b, err := base64.StdEncoding.DecodeString(frag)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
			}
			bin = append(bin, b...)
		}
		return DecodeConfigList(bin)
	default:
		return DecodeConfigList(raw)
	}
}

// ParseConfigList decodes raw as a binary-encoded ECHConfigList and returns
// its configs. It is the entry point used when the caller already has raw
// binary bytes (e.g. after base64-decoding a known value itself).
func ParseConfigList(raw []byte) ([]*ECHConfig, error) {
	list, err := DecodeConfigList(raw)
	if err != nil {
		return nil, err
	}
	return list.Configs, nil
}

// DecodeConfigList implements the binary decode algorithm of spec.md §4.1
// / §6 ("ECHConfigList_from_binary").
func DecodeConfigList(raw []byte) (*ECHConfigList, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: too short", ErrMalformedConfig)
	}
	s := cryptobyte.String(raw)
	var totalLength uint16
	if !s.ReadUint16(&totalLength) {
		return nil, fmt.Errorf("%w: total_length", ErrMalformedConfig)
	}
	if totalLength < 10 || totalLength >= 1500 {
		return nil, fmt.Errorf("%w: total_length %d out of range", ErrMalformedConfig, totalLength)
	}
	if int(totalLength) > len(s) {
		return nil, fmt.Errorf("%w: total_length exceeds input", ErrMalformedConfig)
	}
	configsRaw := []byte(s[:totalLength])
	leftover := []byte(s[totalLength:])

	list := &ECHConfigList{
		raw:      raw[:2+int(totalLength)],
		Leftover: leftover,
	}

	pos := 0
	for pos < len(configsRaw) {
		cfg, n, err := decodeOneConfig(configsRaw[pos:])
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			list.Configs = append(list.Configs, cfg)
		}
		pos += n
	}
	if pos != len(configsRaw) {
		return nil, fmt.Errorf("%w: trailing garbage inside ECHConfigList", ErrMalformedConfig)
	}
	return list, nil
}

// decodeOneConfig parses a single `u16 version; u16 content_length;
// content[content_length]` entry from the front of buf. It returns the
// decoded config (nil if the version is unknown, in which case it was
// simply skipped) and the number of bytes consumed.
func decodeOneConfig(buf []byte) (*ECHConfig, int, error) {
	s := cryptobyte.String(buf)
	var version uint16
	if !s.ReadUint16(&version) {
		return nil, 0, fmt.Errorf("%w: version", ErrMalformedConfig)
	}
	var content cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&content) {
		return nil, 0, fmt.Errorf("%w: content_length", ErrMalformedConfig)
	}
	consumed := 4 + len(content)

	switch version {
	case VersionDraft10:
		cfg, err := parseDraft10Body(content)
		if err != nil {
			return nil, 0, err
		}
		cfg.Version = version
		cfg.raw = buf[:consumed]
		return cfg, consumed, nil
	case VersionDraft09:
		cfg, err := parseDraft09Body(content)
		if err != nil {
			return nil, 0, err
		}
		cfg.Version = version
		cfg.raw = buf[:consumed]
		return cfg, consumed, nil
	default:
		// Unknown version: skip content_length bytes and continue.
		return nil, consumed, nil
	}
}

func parseSuites(s *cryptobyte.String) ([]CipherSuite, error) {
	var suites cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&suites) {
		return nil, fmt.Errorf("%w: ciphersuites", ErrMalformedConfig)
	}
	if len(suites) == 0 || len(suites)%4 != 0 {
		return nil, fmt.Errorf("%w: ciphersuites length %d not a positive multiple of 4", ErrMalformedConfig, len(suites))
	}
	var result []CipherSuite
	for !suites.Empty() {
		var cs CipherSuite
		if !suites.ReadUint16(&cs.KDF) || !suites.ReadUint16(&cs.AEAD) {
			return nil, fmt.Errorf("%w: ciphersuite entry", ErrMalformedConfig)
		}
		result = append(result, cs)
	}
	return result, nil
}

func parseExtensions(s *cryptobyte.String) ([]Extension, error) {
	var exts cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&exts) {
		return nil, fmt.Errorf("%w: extensions", ErrMalformedConfig)
	}
	var result []Extension
	for !exts.Empty() {
		var typ uint16
		var val cryptobyte.String
		if !exts.ReadUint16(&typ) || !exts.ReadUint16LengthPrefixed(&val) {
			return nil, fmt.Errorf("%w: extension entry", ErrMalformedConfig)
		}
		if len(val) >= 1500 {
			return nil, fmt.Errorf("%w: extension value too large", ErrMalformedConfig)
		}
		result = append(result, Extension{Type: typ, Data: append([]byte{}, val...)})
	}
	return result, nil
}

func parsePublicName(s *cryptobyte.String) ([]byte, error) {
	var name cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&name) {
		return nil, fmt.Errorf("%w: public_name", ErrMalformedConfig)
	}
	if len(name) <= 1 || len(name) > 255 {
		return nil, fmt.Errorf("%w: public_name length %d out of range", ErrMalformedConfig, len(name))
	}
	return append([]byte{}, name...), nil
}

// parseDraft10Body parses: config_id · kem_id · pub · suites · max_name ·
// public_name · exts.
func parseDraft10Body(content cryptobyte.String) (*ECHConfig, error) {
	cfg := &ECHConfig{}
	s := content
	if !s.ReadUint8(&cfg.ID) {
		return nil, fmt.Errorf("%w: config_id", ErrMalformedConfig)
	}
	if !s.ReadUint16(&cfg.KEM) {
		return nil, fmt.Errorf("%w: kem_id", ErrMalformedConfig)
	}
	var pub cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&pub) {
		return nil, fmt.Errorf("%w: public_key", ErrMalformedConfig)
	}
	cfg.PublicKey = append([]byte{}, pub...)
	suites, err := parseSuites(&s)
	if err != nil {
		return nil, err
	}
	cfg.CipherSuites = suites
	if !s.ReadUint16(&cfg.MaximumNameLength) {
		return nil, fmt.Errorf("%w: maximum_name_length", ErrMalformedConfig)
	}
	name, err := parsePublicName(&s)
	if err != nil {
		return nil, err
	}
	cfg.PublicName = name
	exts, err := parseExtensions(&s)
	if err != nil {
		return nil, err
	}
	cfg.Extensions = exts
	if !s.Empty() {
		return nil, fmt.Errorf("%w: trailing bytes in draft-10 config", ErrMalformedConfig)
	}
	return cfg, nil
}

// parseDraft09Body parses the legacy draft-09 order: public_name · pub ·
// kem_id · suites · max_name · exts. draft-09 has no config_id field.
func parseDraft09Body(content cryptobyte.String) (*ECHConfig, error) {
	cfg := &ECHConfig{}
	s := content
	name, err := parsePublicName(&s)
	if err != nil {
		return nil, err
	}
	cfg.PublicName = name
	var pub cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&pub) {
		return nil, fmt.Errorf("%w: public_key", ErrMalformedConfig)
	}
	cfg.PublicKey = append([]byte{}, pub...)
	if !s.ReadUint16(&cfg.KEM) {
		return nil, fmt.Errorf("%w: kem_id", ErrMalformedConfig)
	}
	suites, err := parseSuites(&s)
	if err != nil {
		return nil, err
	}
	cfg.CipherSuites = suites
	if !s.ReadUint16(&cfg.MaximumNameLength) {
		return nil, fmt.Errorf("%w: maximum_name_length", ErrMalformedConfig)
	}
	exts, err := parseExtensions(&s)
	if err != nil {
		return nil, err
	}
	cfg.Extensions = exts
	if !s.Empty() {
		return nil, fmt.Errorf("%w: trailing bytes in draft-09 config", ErrMalformedConfig)
	}
	return cfg, nil
}

var errNoLeftover = errors.New("no leftover bytes")
