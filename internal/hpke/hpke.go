// Package hpke implements the subset of Hybrid Public Key Encryption
// (RFC 9180) needed by Encrypted Client Hello: base mode, DHKEM(X25519,
// HKDF-SHA256), and the AEAD/KDF combinations advertised by
// draft-ietf-tls-esni ECHConfig ciphersuites.
package hpke

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"hash"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KEM identifiers, RFC 9180 §7.1.
const (
	DHKEM_X25519_HKDF_SHA256 uint16 = 0x0020
)

// AEAD identifiers, RFC 9180 §7.3.
const (
	AES128GCM        uint16 = 0x0001
	AES256GCM        uint16 = 0x0002
	ChaCha20Poly1305 uint16 = 0x0003
)

// KDF identifiers, RFC 9180 §7.2.
const (
	HKDFSHA256 uint16 = 0x0001
	HKDFSHA384 uint16 = 0x0002
	HKDFSHA512 uint16 = 0x0003
)

const modeBase uint8 = 0x00

// ErrUnsupportedAlgorithm is returned when a KEM, KDF or AEAD identifier is
// not one of the ones this package implements.
var ErrUnsupportedAlgorithm = errors.New("hpke: unsupported algorithm")

// PrivateKey is a parsed HPKE private key, bound to the KEM it was parsed
// for.
type PrivateKey struct {
	kemID uint16
	key   *ecdh.PrivateKey
}

// ParseHPKEPrivateKey parses raw as a private key for the given KEM. Only
// [DHKEM_X25519_HKDF_SHA256] is supported.
func ParseHPKEPrivateKey(kemID uint16, raw []byte) (*PrivateKey, error) {
	if kemID != DHKEM_X25519_HKDF_SHA256 {
		return nil, ErrUnsupportedAlgorithm
	}
	key, err := ecdh.X25519().NewPrivateKey(raw)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{kemID: kemID, key: key}, nil
}

// PublicKey returns the wire encoding of the public key matching k.
func (k *PrivateKey) PublicKey() []byte {
	return k.key.PublicKey().Bytes()
}

// context is a sealed HPKE Base-mode encryption context, shared structure
// for both the sending and receiving sides; [Sender] and [Receipient] embed
// it to make the two directions distinct types, mirroring the asymmetric
// API that setup functions return.
type context struct {
	kemID, kdfID, aeadID uint16
	aead                 cipher.AEAD
	baseNonce            []byte
	seq                  uint64
	exporterSecret       []byte
}

// Sender is an HPKE encryption context obtained from [SetupSender]. Each
// Seal advances the sequence number, so a retried ClientHello after
// HelloRetryRequest can be sealed with the same context.
type Sender struct{ context }

// Receipient is an HPKE decryption context obtained from
// [SetupReceipient] or [ParseHPKEPrivateKey]+[SetupReceipient].
type Receipient struct{ context }

// SetupSender creates a fresh HPKE Base-mode sender context for the given
// recipient public key, returning the encapsulated key (enc) to be sent
// alongside ciphertexts.
func SetupSender(kemID, kdfID, aeadID uint16, publicKeyR, info []byte) (enc []byte, ctx *Sender, err error) {
	if kemID != DHKEM_X25519_HKDF_SHA256 {
		return nil, nil, ErrUnsupportedAlgorithm
	}
	recipientPub, err := ecdh.X25519().NewPublicKey(publicKeyR)
	if err != nil {
		return nil, nil, err
	}
	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	sharedSecret, err := ephemeral.ECDH(recipientPub)
	if err != nil {
		return nil, nil, err
	}
	kemCtx := append(append([]byte{}, ephemeral.PublicKey().Bytes()...), publicKeyR...)
	dh, err := extractAndExpandDH(kdfID, sharedSecret, kemCtx)
	if err != nil {
		return nil, nil, err
	}
	c, err := keySchedule(kemID, kdfID, aeadID, dh, info)
	if err != nil {
		return nil, nil, err
	}
	return ephemeral.PublicKey().Bytes(), &Sender{context: *c}, nil
}

// SetupReceipient creates an HPKE Base-mode receiver context from the
// sender's encapsulated key enc and the recipient's private key.
func SetupReceipient(kemID, kdfID, aeadID uint16, priv *PrivateKey, info, enc []byte) (*Receipient, error) {
	if kemID != DHKEM_X25519_HKDF_SHA256 || priv.kemID != kemID {
		return nil, ErrUnsupportedAlgorithm
	}
	senderPub, err := ecdh.X25519().NewPublicKey(enc)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := priv.key.ECDH(senderPub)
	if err != nil {
		return nil, err
	}
	kemCtx := append(append([]byte{}, enc...), priv.PublicKey()...)
	dh, err := extractAndExpandDH(kdfID, sharedSecret, kemCtx)
	if err != nil {
		return nil, err
	}
	c, err := keySchedule(kemID, kdfID, aeadID, dh, info)
	if err != nil {
		return nil, err
	}
	return &Receipient{context: *c}, nil
}

// Seal encrypts plaintext under c's current sequence number and advances
// it.
func (c *context) Seal(aad, plaintext []byte) ([]byte, error) {
	ct := c.aead.Seal(nil, c.nonce(), plaintext, aad)
	if err := c.incrementSeq(); err != nil {
		return nil, err
	}
	return ct, nil
}

// Open decrypts ciphertext under c's current sequence number and advances
// it on success.
func (c *context) Open(aad, ciphertext []byte) ([]byte, error) {
	pt, err := c.aead.Open(nil, c.nonce(), ciphertext, aad)
	if err != nil {
		return nil, err
	}
	if err := c.incrementSeq(); err != nil {
		return nil, err
	}
	return pt, nil
}

// Export derives exported secret material from c's exporter secret, RFC
// 9180 §5.3.
func (c *context) Export(exporterContext []byte, length int) ([]byte, error) {
	suiteID := suiteID(c.kemID, c.kdfID, c.aeadID)
	return labeledExpand(c.kdfID, c.exporterSecret, suiteID, []byte("sec"), exporterContext, length)
}

func (c *context) nonce() []byte {
	nonce := make([]byte, len(c.baseNonce))
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], c.seq)
	for i, b := range c.baseNonce {
		nonce[i] ^= b
	}
	return nonce
}

func (c *context) incrementSeq() error {
	c.seq++
	if c.seq == 0 {
		return errors.New("hpke: sequence number overflow")
	}
	return nil
}

func keySchedule(kemID, kdfID, aeadID uint16, sharedSecret, info []byte) (*context, error) {
	sID := suiteID(kemID, kdfID, aeadID)
	pskIDHash, err := labeledExtract(kdfID, nil, sID, []byte("psk_id_hash"), nil)
	if err != nil {
		return nil, err
	}
	infoHash, err := labeledExtract(kdfID, nil, sID, []byte("info_hash"), info)
	if err != nil {
		return nil, err
	}
	keyScheduleCtx := append([]byte{modeBase}, pskIDHash...)
	keyScheduleCtx = append(keyScheduleCtx, infoHash...)

	pskHash, err := labeledExtract(kdfID, nil, sID, []byte("psk_hash"), nil)
	if err != nil {
		return nil, err
	}
	secret, err := labeledExtract(kdfID, pskHash, sID, []byte("secret"), sharedSecret)
	if err != nil {
		return nil, err
	}
	keyLen, err := aeadKeySize(aeadID)
	if err != nil {
		return nil, err
	}
	key, err := labeledExpand(kdfID, secret, sID, []byte("key"), keyScheduleCtx, keyLen)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(aeadID, key)
	if err != nil {
		return nil, err
	}
	nonce, err := labeledExpand(kdfID, secret, sID, []byte("nonce"), keyScheduleCtx, aead.NonceSize())
	if err != nil {
		return nil, err
	}
	exp, err := labeledExpand(kdfID, secret, sID, []byte("exp"), keyScheduleCtx, kdfSize(kdfID))
	if err != nil {
		return nil, err
	}
	return &context{
		kemID:          kemID,
		kdfID:          kdfID,
		aeadID:         aeadID,
		aead:           aead,
		baseNonce:      nonce,
		exporterSecret: exp,
	}, nil
}

// extractAndExpandDH implements DHKEM's ExtractAndExpand, RFC 9180 §4.1,
// which always uses HKDF-SHA256 regardless of the outer KDF negotiated for
// the AEAD key schedule.
func extractAndExpandDH(outerKDF uint16, dh, kemCtx []byte) ([]byte, error) {
	const kemSuiteID = "KEM" + string([]byte{0x00, 0x20}) // DHKEM(X25519, HKDF-SHA256)
	eae, err := labeledExtract(HKDFSHA256, nil, []byte(kemSuiteID), []byte("eae_prk"), dh)
	if err != nil {
		return nil, err
	}
	return labeledExpand(HKDFSHA256, eae, []byte(kemSuiteID), []byte("shared_secret"), kemCtx, 32)
}

func suiteID(kemID, kdfID, aeadID uint16) []byte {
	b := make([]byte, 0, 10)
	b = append(b, "HPKE"...)
	b = binary.BigEndian.AppendUint16(b, kemID)
	b = binary.BigEndian.AppendUint16(b, kdfID)
	b = binary.BigEndian.AppendUint16(b, aeadID)
	return b
}

// labeledExtract implements RFC 9180 §4's LabeledExtract using
// golang.org/x/crypto/hkdf's Extract.
func labeledExtract(kdfID uint16, salt, suiteID, label, ikm []byte) ([]byte, error) {
	h, err := hashFunc(kdfID)
	if err != nil {
		return nil, err
	}
	labeledIKM := append([]byte("HPKE-v1"), suiteID...)
	labeledIKM = append(labeledIKM, label...)
	labeledIKM = append(labeledIKM, ikm...)
	return hkdf.Extract(h, labeledIKM, salt), nil
}

// labeledExpand implements RFC 9180 §4's LabeledExpand using
// golang.org/x/crypto/hkdf's Expand.
func labeledExpand(kdfID uint16, prk, suiteID, label, info []byte, length int) ([]byte, error) {
	h, err := hashFunc(kdfID)
	if err != nil {
		return nil, err
	}
	labeledInfo := make([]byte, 0, 2+len(suiteID)+len(label)+len(info)+7)
	labeledInfo = binary.BigEndian.AppendUint16(labeledInfo, uint16(length))
	labeledInfo = append(labeledInfo, "HPKE-v1"...)
	labeledInfo = append(labeledInfo, suiteID...)
	labeledInfo = append(labeledInfo, label...)
	labeledInfo = append(labeledInfo, info...)
	out := make([]byte, length)
	r := hkdf.Expand(h, prk, labeledInfo)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func newAEAD(aeadID uint16, key []byte) (cipher.AEAD, error) {
	switch aeadID {
	case AES128GCM, AES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

func aeadKeySize(aeadID uint16) (int, error) {
	switch aeadID {
	case AES128GCM:
		return 16, nil
	case AES256GCM:
		return 32, nil
	case ChaCha20Poly1305:
		return chacha20poly1305.KeySize, nil
	default:
		return 0, ErrUnsupportedAlgorithm
	}
}

func hashFunc(kdfID uint16) (func() hash.Hash, error) {
	switch kdfID {
	case HKDFSHA256:
		return sha256.New, nil
	case HKDFSHA384:
		return sha512.New384, nil
	case HKDFSHA512:
		return sha512.New, nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}

func kdfSize(kdfID uint16) int {
	switch kdfID {
	case HKDFSHA256:
		return 32
	case HKDFSHA384:
		return 48
	case HKDFSHA512:
		return 64
	default:
		return 32
	}
}
