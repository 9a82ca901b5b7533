// Package ech implements tools to support Encrypted Client Hello with a
// Split Mode Topology, as defined in
// https://datatracker.ietf.org/doc/draft-ietf-tls-esni/.
package ech

import (
	"context"
	"fmt"
	"io"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"github.com/quietmesh/ech/internal/hpke"
)

var _ net.Conn = (*Conn)(nil)

// NewConn returns a [Conn] that manages Encrypted Client Hello in TLS
// connections.
//
// Encrypted Client Hello handshake messages are decrypted and replaced
// with the ClientHelloInner transparently. If decryption fails, the
// ClientHelloOuter is used instead and the session's status becomes
// [StatusGrease].
//
// When NewConn returns, the first ClientHello message has already been
// processed. Conn continues to inspect the other handshake messages for
// retries. If ClientHello is retried, it is processed similarly to the
// first one, with some extra restrictions.
//
// ctx is used while reading the initial ClientHello only; it is not
// retained after NewConn returns.
func NewConn(ctx context.Context, conn net.Conn, opts ...Option) (outConn *Conn, err error) {
	o := defaultConnOptions()
	for _, opt := range opts {
		opt(&o)
	}
	defer convertErrorsToAlerts(conn, err)

	record, err := readRecordCtx(ctx, conn)
	if err != nil {
		return nil, err
	}
	if record[0] != 22 { // TLS Handshake
		return nil, fmt.Errorf("%w: content type %d != 22 (%q)", ErrUnexpectedMessage, record[0], record[:5])
	}
	outConn = &Conn{
		Conn:       conn,
		opts:       o,
		session:    NewEchSession(),
		retryCount: new(atomic.Int32),
	}
	if outConn.outer, outConn.inner, err = outConn.handleClientHello(record); err != nil {
		return outConn, err
	}
	outConn.readPassthrough = outConn.inner == nil
	outConn.writePassthrough = outConn.inner == nil

	var msg []byte
	if outConn.inner != nil {
		msg, err = outConn.inner.Marshal()
	} else {
		msg, err = outConn.outer.Marshal()
	}
	if err != nil {
		return outConn, err
	}
	outConn.readBuf = toRecord(msg)
	return outConn, nil
}

// Conn manages Encrypted Client Hello in TLS connections, as defined in
// https://datatracker.ietf.org/doc/draft-ietf-tls-esni/.
type Conn struct {
	net.Conn
	outer *clientHello
	inner *clientHello

	opts    connOptions
	session *EchSession
	recvCtx *hpke.Receipient

	readBuf          []byte
	readErr          error
	writeBuf         []byte
	retryCount       *atomic.Int32
	readPassthrough  bool
	writePassthrough bool
}

// ECHPresented indicates whether the client presented an Encrypted Client
// Hello.
func (c *Conn) ECHPresented() bool {
	return c != nil && c.outer != nil && c.outer.echExt != nil
}

// ECHAccepted indicates whether the client's Encrypted Client Hello was
// successfully decrypted and validated.
func (c *Conn) ECHAccepted() bool {
	return c != nil && c.inner != nil
}

// Status returns the session's terminal or in-progress ECH status.
func (c *Conn) Status() Status {
	if c == nil || c.session == nil {
		return StatusNotTried
	}
	return c.session.Status()
}

// ServerName returns the SNI value extracted from the ClientHello.
func (c *Conn) ServerName() string {
	if c != nil && c.inner != nil {
		return c.inner.ServerName
	}
	if c != nil && c.outer != nil {
		return c.outer.ServerName
	}
	return ""
}

// ALPNProtos returns the ALPN protocol values extracted from the
// ClientHello.
func (c *Conn) ALPNProtos() []string {
	if c != nil && c.inner != nil {
		return slices.Clone(c.inner.ALPNProtos)
	}
	if c != nil && c.outer != nil {
		return slices.Clone(c.outer.ALPNProtos)
	}
	return nil
}

func (c *Conn) handleClientHello(record []byte) (outer, inner *clientHello, err error) {
	if outer, err = parseClientHello(record[5:]); err != nil {
		return nil, nil, err
	}
	if err := c.session.MarkAttempted(); err != nil {
		c.opts.logf("ech: %v", err)
	}
	if outer.hasECHOuterExtensions {
		return nil, nil, fmt.Errorf("%w: ClientHelloOuter has ech_outer_extensions", ErrIllegalParameter)
	}
	if !outer.tls13 || outer.echExt == nil || len(c.opts.keys) == 0 {
		return outer, nil, nil
	}

	innerMsg, usedCtx, err := decodeAndDecryptECH(outer, c.opts.keys, c.opts.trialDecrypt, c.recvCtx)
	if err != nil {
		if err == ErrNoMatch {
			c.opts.logf("ech: no stored key opened the payload, falling back to grease\n")
			if merr := c.session.MarkGrease(); merr != nil {
				c.opts.logf("ech: %v", merr)
			}
			return outer, nil, nil
		}
		return nil, nil, err
	}
	inner, err = parseClientHello(innerMsg)
	if err != nil {
		return nil, nil, err
	}
	if err := c.session.MarkSuccess(); err != nil {
		c.opts.logf("ech: %v", err)
	}
	c.session.InnerCH = innerMsg
	c.recvCtx = usedCtx
	return outer, inner, nil
}

// checkRetryOuter enforces draft-ietf-tls-esni §6's constraint that a
// retried ClientHelloOuter reuses the HPKE context established by the
// first one: same config_id and cipher suite, and an empty "enc" (a fresh
// key exchange on retry cannot be the continuation of the same context,
// so it is rejected even if it happens to decrypt).
func (c *Conn) checkRetryOuter(retryOuter *clientHello) error {
	if c.outer.echExt == nil {
		return nil
	}
	first := c.outer.echExt
	retry := retryOuter.echExt
	switch {
	case retry == nil || retry.Type != 0:
		return fmt.Errorf("%w: retry ClientHello missing ech extension", ErrIllegalParameter)
	case retry.ConfigID != first.ConfigID, retry.CipherSuite != first.CipherSuite:
		return fmt.Errorf("%w: retry ech config/suite changed", ErrIllegalParameter)
	case len(retry.Enc) != 0:
		return fmt.Errorf("%w: retry ech extension must reuse HPKE context (enc must be empty)", ErrIllegalParameter)
	}
	return nil
}

func (c *Conn) Read(b []byte) (int, error) {
	if !c.readPassthrough && len(c.readBuf) == 0 && c.readErr == nil {
		r, err := readRecord(c.Conn)
		if len(r) >= 5 {
			if r[0] == 22 {
				c.opts.logf("Read %s(%d) %s\n", contentType(r[0]), r[0], handshakeMessageTypes[r[5]])
			} else {
				c.opts.logf("Read %s(%d)\n", contentType(r[0]), r[0])
			}
		}
		switch {
		case err != nil:
			c.opts.logf("Read error %v\n", err)
			c.readErr = err
		case r[0] == 23:
			c.readPassthrough = true
		case r[0] == 22 && r[5] == 1 && c.retryCount.Load() == 1:
			c.opts.logf("Handshake Retried ClientHello\n")
			retryOuter, err := parseClientHello(r[5:])
			if err == nil {
				err = c.checkRetryOuter(retryOuter)
			}
			if err != nil {
				c.readErr = err
				convertErrorsToAlerts(c, err)
				return 0, err
			}
			_, inner, err := c.handleClientHello(r)
			if err != nil {
				c.readErr = err
				convertErrorsToAlerts(c, err)
				return 0, err
			}
			if inner == nil || c.inner.ServerName != inner.ServerName || !slices.Equal(c.inner.ALPNProtos, inner.ALPNProtos) {
				c.readErr = ErrIllegalParameter
				convertErrorsToAlerts(c, c.readErr)
				return 0, c.readErr
			}
			msg, err := inner.Marshal()
			if err != nil {
				c.readErr = err
				return 0, err
			}
			r = toRecord(msg)
		}
		c.readBuf = r
	}
	if len(c.readBuf) > 0 {
		n := copy(b, c.readBuf)
		c.readBuf = c.readBuf[n:]
		if len(c.readBuf) == 0 {
			return n, c.readErr
		}
		return n, nil
	}
	if c.readErr != nil {
		return 0, c.readErr
	}
	return c.Conn.Read(b)
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.writePassthrough && len(c.writeBuf) == 0 {
		return c.Conn.Write(b)
	}
	c.writeBuf = append(c.writeBuf, b...)
	for len(c.writeBuf) >= 5 {
		length := uint32(c.writeBuf[3])<<8 | uint32(c.writeBuf[4])
		if length > 16384 {
			return 0, fmt.Errorf("%w: record length %d > 16384", ErrDecodeError, length)
		}
		sz := int(length) + 5
		if sz > len(c.writeBuf) {
			break
		}
		if err := c.inspectWrite(c.writeBuf[:sz]); err != nil {
			return 0, err
		}
		n, err := c.Conn.Write(c.writeBuf[:sz])
		c.writeBuf = c.writeBuf[n:]
		if err != nil {
			return min(len(b), n), err
		}
		if n != sz {
			return min(len(b), n), io.ErrShortWrite
		}
	}
	return len(b), nil
}

func (c *Conn) inspectWrite(record []byte) error {
	recType := record[0]
	msgType := record[5]
	if recType == 22 {
		c.opts.logf("Write %s(%d) %s\n", contentType(recType), recType, handshakeMessageTypes[msgType])
	} else {
		c.opts.logf("Write %s(%d)\n", contentType(recType), recType)
	}
	switch {
	case recType == 23:
		c.writePassthrough = true
	case recType == 22 && msgType == 2: // Handshake / ServerHello
		h, err := parseServerHello(record[5:])
		if err != nil {
			return fmt.Errorf("%w: parseServerHello: %v", ErrDecodeError, err)
		}
		if h.IsHelloRetryRequest() {
			c.opts.logf("HelloRetryRequest: %s\n", h)
			c.retryCount.Add(1)
		} else if c.inner != nil && c.recvCtx != nil {
			if err := c.spliceAcceptConfirmation(record); err != nil {
				return err
			}
		}
	}
	return nil
}

// spliceAcceptConfirmation overwrites the low 8 bytes of the ServerHello's
// random field, in place in record, with the accept-confirmation value,
// spec.md §4.7. It is only called once ECH has been accepted (c.inner !=
// nil) and the HPKE context used to decrypt it is available.
func (c *Conn) spliceAcceptConfirmation(record []byte) error {
	const randomOffset = 6 // msg_type(1) + length(3) + legacy_version(2)
	msg := record[5:]
	if len(msg) < randomOffset+32 {
		return fmt.Errorf("%w: ServerHello too short for accept confirmation", ErrDecodeError)
	}
	hashFn := HashForSuite(c.outer.echExt.CipherSuite.KDF)
	secret, err := c.recvCtx.Export(acceptConfirmationExportContext, hashFn().Size())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHPKEFailure, err)
	}
	confirmation, err := ComputeAcceptConfirmation(hashFn, secret, c.session.InnerCH, msg, randomOffset)
	if err != nil {
		return err
	}
	copy(msg[randomOffset+24:randomOffset+32], confirmation)
	return nil
}

// readRecordCtx reads one TLS record from conn, honoring ctx's
// cancellation and deadline for this single read only, per spec.md §5's
// cooperative-cancellation requirement.
func readRecordCtx(ctx context.Context, conn net.Conn) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(time.Time{})
	}
	type result struct {
		record []byte
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := readRecord(conn)
		done <- result{r, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.record, res.err
	}
}
