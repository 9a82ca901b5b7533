package ech

// Option configures a [Conn] returned by [NewConn].
type Option func(*connOptions)

type connOptions struct {
	keys          []Key
	debug         func(format string, args ...any)
	trialDecrypt  bool
	greaseSuite   CipherSuite
	outerALPN     []byte
	outerName     OuterNamePolicy
}

func defaultConnOptions() connOptions {
	return connOptions{
		trialDecrypt: true,
		greaseSuite:  defaultGreaseSuite,
		outerName:    UsePublicName(),
	}
}

// WithKeys supplies the server-side (private key, ECHConfig) pairs used
// for trial decryption, spec.md §4.2/§4.6.
func WithKeys(keys []Key) Option {
	return func(o *connOptions) { o.keys = keys }
}

// WithDebug routes diagnostic trace lines (record types, handshake
// message types, HelloRetryRequest events) to fn, matching the teacher's
// fmt.Fprintf(os.Stderr, ...) call sites but made pluggable. A nil fn (the
// default) disables tracing.
func WithDebug(fn func(format string, args ...any)) Option {
	return func(o *connOptions) { o.debug = fn }
}

// WithTrialDecryption controls whether a config_id mismatch falls through
// to trying every stored key (spec.md §4.6 step 6). Enabled by default.
func WithTrialDecryption(enabled bool) Option {
	return func(o *connOptions) { o.trialDecrypt = enabled }
}

// WithGreaseSuite pins the (kdf, aead) suite advertised by GREASE ECH
// extensions emitted when no real configuration applies, spec.md §4.8.
func WithGreaseSuite(suite CipherSuite) Option {
	return func(o *connOptions) { o.greaseSuite = suite }
}

// WithOuterALPN sets the wire-formatted ALPN protocol list used for the
// outer ClientHello, spec.md §6.
func WithOuterALPN(alpn []byte) Option {
	return func(o *connOptions) { o.outerALPN = alpn }
}

// WithOuterName sets the outer SNI policy, spec.md §4.5's outer SNI
// policy and §9's tagged-variant redesign.
func WithOuterName(p OuterNamePolicy) Option {
	return func(o *connOptions) { o.outerName = p }
}

func (o *connOptions) logf(format string, args ...any) {
	if o.debug != nil {
		o.debug(format, args...)
	}
}
