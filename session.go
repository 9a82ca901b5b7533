package ech

import "fmt"

// OuterNamePolicy selects what SNI value, if any, the Client Assembler
// places in the outer ClientHello, spec.md §9 (replacing a raw sentinel
// pointer with an explicit tagged variant).
type OuterNamePolicy struct {
	kind        outerNameKind
	overrideVal string
}

type outerNameKind int

const (
	useConfigPublicName outerNameKind = iota
	useOverrideName
	suppressOuterName
)

// UsePublicName selects the ECHConfig's public_name as the outer SNI.
func UsePublicName() OuterNamePolicy { return OuterNamePolicy{kind: useConfigPublicName} }

// UseOverrideName selects name as the outer SNI, replacing public_name.
func UseOverrideName(name string) OuterNamePolicy {
	return OuterNamePolicy{kind: useOverrideName, overrideVal: name}
}

// SuppressOuterName omits the server_name extension from the outer
// ClientHello entirely.
func SuppressOuterName() OuterNamePolicy { return OuterNamePolicy{kind: suppressOuterName} }

// Status is the terminal classification of an [EchSession] after a
// handshake attempt, spec.md §4.9.
type Status int

const (
	StatusNotTried Status = iota
	StatusAttempted
	StatusGrease
	StatusSuccess
	StatusFailed
	StatusBadName
)

func (s Status) String() string {
	switch s {
	case StatusNotTried:
		return "not_tried"
	case StatusAttempted:
		return "attempted"
	case StatusGrease:
		return "grease"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusBadName:
		return "bad_name"
	default:
		return "unknown"
	}
}

// EchSession is the per-connection state machine described in spec.md
// §3/§4.9. It is driven exclusively by the goroutine handling one
// handshake; see spec.md §5 for the concurrency model this implies.
type EchSession struct {
	InnerName string
	OuterName string

	status Status

	EncodedInnerCH []byte
	InnerCH        []byte
	OuterOnly      []uint16
}

// NewEchSession returns a fresh session in the not_tried state.
func NewEchSession() *EchSession {
	return &EchSession{status: StatusNotTried}
}

// Status returns the session's current terminal or in-progress state.
func (s *EchSession) Status() Status {
	return s.status
}

// MarkAttempted transitions not_tried -> attempted.
func (s *EchSession) MarkAttempted() error {
	if s.status != StatusNotTried {
		return fmt.Errorf("ech: cannot mark attempted from state %s", s.status)
	}
	s.status = StatusAttempted
	return nil
}

// MarkGrease transitions attempted -> grease.
func (s *EchSession) MarkGrease() error {
	if s.status != StatusAttempted {
		return fmt.Errorf("ech: cannot mark grease from state %s", s.status)
	}
	s.status = StatusGrease
	return nil
}

// MarkSuccess transitions attempted -> success.
func (s *EchSession) MarkSuccess() error {
	if s.status != StatusAttempted {
		return fmt.Errorf("ech: cannot mark success from state %s", s.status)
	}
	s.status = StatusSuccess
	return nil
}

// MarkFailed transitions attempted -> failed.
func (s *EchSession) MarkFailed() error {
	if s.status != StatusAttempted {
		return fmt.Errorf("ech: cannot mark failed from state %s", s.status)
	}
	s.status = StatusFailed
	return nil
}

// MarkBadName transitions success -> bad_name, following a failed
// certificate check against the negotiated name.
func (s *EchSession) MarkBadName() error {
	if s.status != StatusSuccess {
		return fmt.Errorf("ech: cannot mark bad_name from state %s", s.status)
	}
	s.status = StatusBadName
	return nil
}

// DecryptResult is the outcome of [Decrypt], the Raw Split-Mode API entry
// point used by front-end proxies, spec.md §2 item 9.
type DecryptResult struct {
	// InnerClientHello is the fully reconstructed inner ClientHello
	// message (handshake header included), or nil if decryption did not
	// apply or did not succeed.
	InnerClientHello []byte
	// OuterServerName is the SNI presented in the outer ClientHello, if
	// any.
	OuterServerName string
	// Presented indicates an encrypted_client_hello extension was found.
	Presented bool
	// Accepted indicates decryption succeeded and InnerClientHello is
	// populated.
	Accepted bool
}

// Decrypt is a one-shot entry point for split-mode front-end proxies: given
// a raw outer ClientHello record (content type + legacy record header +
// handshake body) and a set of candidate keys, it attempts ECH decryption
// without constructing a [Conn], spec.md §2 item 9 and §4.6.
func Decrypt(record []byte, keys []Key, trialDecrypt bool) (*DecryptResult, error) {
	if len(record) < 5 || record[0] != 22 {
		return nil, fmt.Errorf("%w: not a TLS handshake record", ErrUnexpectedMessage)
	}
	outer, err := parseClientHello(record[5:])
	if err != nil {
		return nil, err
	}
	result := &DecryptResult{OuterServerName: outer.ServerName}
	if outer.echExt == nil || outer.echExt.Type != 0 {
		return result, nil
	}
	result.Presented = true

	innerMsg, _, err := decodeAndDecryptECH(outer, keys, trialDecrypt, nil)
	if err != nil {
		if err == ErrNoMatch {
			return result, nil
		}
		return nil, err
	}
	result.Accepted = true
	result.InnerClientHello = innerMsg
	return result, nil
}
