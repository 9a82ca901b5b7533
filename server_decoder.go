package ech

import (
	"fmt"

	"github.com/quietmesh/ech/internal/hpke"
)

// decodeAndDecryptECH implements spec.md §4.6 steps 4-7: it reconstructs
// AAD, attempts key-matched and (if trialDecrypt) full trial decryption,
// and on success decompresses the result into a complete inner
// ClientHello handshake message. It returns [ErrNoMatch] (not wrapped) if
// every key failed to open the payload, signalling the caller to fall
// back to GREASE, per spec.md §7's requirement that HPKE open failures on
// the server never surface as a TLS alert.
//
// recv, if non-nil, is a [hpke.Receipient] established by a prior call
// (the first ClientHello of a HelloRetryRequest exchange). When ext.Enc is
// empty, draft-ietf-tls-esni §5 requires the retried ClientHelloOuter to
// be decrypted by continuing that same context rather than establishing a
// new one. decodeAndDecryptECH returns the context actually used so the
// caller can retain it across a retry.
func decodeAndDecryptECH(outer *clientHello, keys []Key, trialDecrypt bool, recv *hpke.Receipient) ([]byte, *hpke.Receipient, error) {
	ext := outer.echExt
	if ext == nil || ext.Type != 0 {
		return nil, nil, fmt.Errorf("%w: no outer ECH extension", ErrBadExtension)
	}
	if outer.hasECHOuterExtensions {
		return nil, nil, fmt.Errorf("%w: ClientHelloOuter has ech_outer_extensions", ErrIllegalParameter)
	}
	if len(ext.Enc) > 1024 {
		return nil, nil, fmt.Errorf("%w: enc too large", ErrBadExtension)
	}
	if len(ext.Payload) > 16384 {
		return nil, nil, fmt.Errorf("%w: payload too large", ErrBadExtension)
	}

	outerBody, err := outer.marshal(false)
	if err != nil {
		return nil, nil, err
	}
	aad, err := buildAAD(ext.CipherSuite.KDF, ext.CipherSuite.AEAD, ext.ConfigID, ext.Enc, outerBody[4:], outer.Extensions)
	if err != nil {
		return nil, nil, err
	}

	var innerBytes []byte
	var usedCtx *hpke.Receipient
	if len(ext.Enc) == 0 && recv != nil {
		if pt, err := recv.Open(aad, ext.Payload); err == nil {
			innerBytes = pt
			usedCtx = recv
		}
	} else {
		ordered := orderKeysByConfigID(keys, ext.ConfigID)
		for _, key := range ordered {
			cfg, err := Config(key.Config).Spec()
			if err != nil {
				continue
			}
			if !trialDecrypt && cfg.ID != ext.ConfigID {
				continue
			}
			echPriv, err := hpke.ParseHPKEPrivateKey(hpke.DHKEM_X25519_HKDF_SHA256, key.PrivateKey)
			if err != nil {
				continue
			}
			info := buildInfo(cfg)
			ctx, err := hpke.SetupReceipient(hpke.DHKEM_X25519_HKDF_SHA256, ext.CipherSuite.KDF, ext.CipherSuite.AEAD, echPriv, info, ext.Enc)
			if err != nil {
				continue
			}
			pt, err := ctx.Open(aad, ext.Payload)
			if err != nil {
				continue
			}
			innerBytes = pt
			usedCtx = ctx
			break
		}
	}
	if innerBytes == nil {
		return nil, nil, ErrNoMatch
	}

	innerMsg, err := DecodeInner(innerBytes, outer.LegacySessionID, outer.Extensions)
	if err != nil {
		return nil, nil, err
	}
	inner, err := parseClientHello(innerMsg)
	if err != nil {
		return nil, nil, err
	}
	if inner.echExt == nil || inner.echExt.Type != 1 {
		return nil, nil, fmt.Errorf("%w: reconstructed inner missing ech_type=1", ErrIllegalParameter)
	}
	return innerMsg, usedCtx, nil
}

// orderKeysByConfigID returns keys with any entry whose ECHConfig.ID
// matches configID moved to the front, so the server tries the hinted key
// before falling through to trial decryption, spec.md §4.6 step 6.
func orderKeysByConfigID(keys []Key, configID uint8) []Key {
	ordered := make([]Key, 0, len(keys))
	var rest []Key
	for _, k := range keys {
		cfg, err := Config(k.Config).Spec()
		if err == nil && cfg.ID == configID {
			ordered = append(ordered, k)
			continue
		}
		rest = append(rest, k)
	}
	return append(ordered, rest...)
}
