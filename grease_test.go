package ech

import (
	"bytes"
	"testing"
)

// TestGREASEStructure verifies property 5 (spec.md §8): a GREASE
// encrypted_client_hello extension is the same length and field shape as
// a real one, so a passive observer cannot distinguish the two.
func TestGREASEStructure(t *testing.T) {
	suite := CipherSuite{KDF: kdfHKDFSHA256, AEAD: aeadChaCha20Poly1305}

	grease, err := GREASE(suite)
	if err != nil {
		t.Fatalf("GREASE: %v", err)
	}

	real, err := marshalECHExtension(suite, 0x2a, make([]byte, greaseKeyLength), make([]byte, greasePayloadLength))
	if err != nil {
		t.Fatalf("marshalECHExtension: %v", err)
	}
	if got, want := len(grease), len(real); got != want {
		t.Fatalf("len(GREASE) = %d, want %d (real extension length)", got, want)
	}

	outer := &clientHello{Extensions: []helloExtension{{Type: 0xfe0d, Data: grease}}}
	if err := outer.parseExtensions(); err != nil {
		t.Fatalf("parseExtensions(GREASE extension): %v", err)
	}
	if outer.echExt == nil {
		t.Fatal("parseExtensions did not populate echExt for a GREASE extension")
	}
	if got, want := outer.echExt.Type, uint8(0); got != want {
		t.Fatalf("echExt.Type = %d, want %d (ClientECH outer)", got, want)
	}
	if got, want := outer.echExt.CipherSuite, suite; got != want {
		t.Fatalf("echExt.CipherSuite = %+v, want %+v", got, want)
	}
	if got, want := len(outer.echExt.Enc), greaseKeyLength; got != want {
		t.Fatalf("len(echExt.Enc) = %d, want %d", got, want)
	}
	if got, want := len(outer.echExt.Payload), greasePayloadLength; got != want {
		t.Fatalf("len(echExt.Payload) = %d, want %d", got, want)
	}
}

// TestGREASERandomized checks that GREASE doesn't emit a fixed
// placeholder: two calls produce different enc/payload bytes.
func TestGREASERandomized(t *testing.T) {
	suite := CipherSuite{KDF: kdfHKDFSHA256, AEAD: aeadAES128GCM}
	a, err := GREASE(suite)
	if err != nil {
		t.Fatalf("GREASE: %v", err)
	}
	b, err := GREASE(suite)
	if err != nil {
		t.Fatalf("GREASE: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("two GREASE calls produced identical output")
	}
}
