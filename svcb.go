package ech

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// svcParamECH is the SvcParamKey assigned to the "ech" parameter, RFC 9460
// plus draft-ietf-tls-esni §9.
const svcParamECH uint16 = 5

// ExtractECHFromSVCB parses the RDATA of an SVCB or HTTPS resource record
// and returns the raw bytes of its "ech" SvcParamValue, if any. It skips
// the 2-byte SvcPriority and the TargetName, then scans the
// (SvcParamKey, SvcParamValue) list for key 5. Absence of an ech key is
// reported by returning a nil slice with a nil error.
func ExtractECHFromSVCB(rdata []byte) ([]byte, error) {
	s := cryptobyte.String(rdata)
	var priority uint16
	if !s.ReadUint16(&priority) {
		return nil, fmt.Errorf("%w: svc priority", ErrDecodeError)
	}
	if err := skipSVCBTargetName(&s); err != nil {
		return nil, err
	}
	for !s.Empty() {
		var key uint16
		var value cryptobyte.String
		if !s.ReadUint16(&key) || !s.ReadUint16LengthPrefixed(&value) {
			return nil, fmt.Errorf("%w: svc param", ErrDecodeError)
		}
		if key == svcParamECH {
			return append([]byte{}, value...), nil
		}
	}
	return nil, nil
}

// skipSVCBTargetName consumes a sequence of length-prefixed labels
// terminated by a zero-length root label, as used uncompressed for
// TargetName inside SVCB/HTTPS RDATA.
func skipSVCBTargetName(s *cryptobyte.String) error {
	for {
		var label cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&label) {
			return fmt.Errorf("%w: target name label", ErrDecodeError)
		}
		if len(label) == 0 {
			return nil
		}
	}
}
