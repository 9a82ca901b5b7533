package ech

// HPKE KEM, KDF and AEAD identifiers used by the ECH wire format, RFC 9180
// §7 and draft-ietf-tls-esni §4.
const (
	kemX25519HKDFSHA256 uint16 = 0x0020

	kdfHKDFSHA256 uint16 = 0x0001
	kdfHKDFSHA384 uint16 = 0x0002
	kdfHKDFSHA512 uint16 = 0x0003

	aeadAES128GCM        uint16 = 0x0001
	aeadAES256GCM        uint16 = 0x0002
	aeadChaCha20Poly1305 uint16 = 0x0003
)

// defaultCipherSuites is the set of HPKE symmetric suites GREASE and newly
// generated configs advertise, in preference order.
var defaultCipherSuites = []CipherSuite{
	{KDF: kdfHKDFSHA256, AEAD: aeadAES128GCM},
	{KDF: kdfHKDFSHA256, AEAD: aeadChaCha20Poly1305},
}
