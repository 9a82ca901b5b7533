package ech

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quietmesh/ech/dns"
)

// ResolveResult is the outcome of resolving a name to addresses and,
// optionally, HTTPS/SVCB records describing ALPN protocols and an ECH
// config list.
type ResolveResult struct {
	// Port is the port implied by the resolved name (443 unless the name
	// carried an explicit port).
	Port int
	// Address holds the direct A/AAAA addresses for the resolved name,
	// after following any CNAME chain.
	Address []net.IP
	// HTTPS holds the HTTPS records found for the resolved name, if any.
	HTTPS []dns.HTTPS
	// Additional holds A/AAAA addresses for any HTTPS record's
	// TargetName, keyed by that name, so [ResolveResult.Targets] can
	// resolve alias-form HTTPS records without a second DNS round trip
	// at dial time.
	Additional map[string][]net.IP
}

func (r ResolveResult) clone() ResolveResult {
	out := ResolveResult{
		Port:    r.Port,
		Address: append([]net.IP{}, r.Address...),
		HTTPS:   append([]dns.HTTPS{}, r.HTTPS...),
	}
	if r.Additional != nil {
		out.Additional = make(map[string][]net.IP, len(r.Additional))
		for k, v := range r.Additional {
			out.Additional[k] = append([]net.IP{}, v...)
		}
	}
	return out
}

// ECH returns the first non-empty ECH config list found in HTTPS, or nil.
func (r ResolveResult) ECH() []byte {
	for _, h := range r.HTTPS {
		if len(h.ECH) > 0 {
			return h.ECH
		}
	}
	return nil
}

// Target is a single (address, ALPN protocols, ECH config list) tuple
// yielded by [ResolveResult.Targets].
type Target struct {
	Address *net.TCPAddr
	ALPN    []string
	ECH     []byte
}

// Targets iterates over the dialable targets implied by r. When r.HTTPS is
// non-empty, one group of targets is produced per HTTPS record (in
// priority order), resolving each record's TargetName via r.Additional (or
// its own IPv4Hint/IPv6Hint if TargetName is absent); r.Address is used
// when r.HTTPS is empty and for a record with neither a TargetName nor
// address hints. network selects "tcp4"/"tcp6"
// filtering; port is used when neither r nor a HTTPS record specifies one.
func (r ResolveResult) Targets(network string, port int) func(func(Target) bool) {
	return func(yield func(Target) bool) {
		if r.Port != 0 {
			port = r.Port
		}
		emit := func(ip net.IP, p int, alpn []string, ech []byte) bool {
			if !addrMatchesNetwork(ip, network) {
				return true
			}
			return yield(Target{Address: &net.TCPAddr{IP: ip, Port: p}, ALPN: alpn, ECH: ech})
		}
		if len(r.HTTPS) == 0 {
			for _, ip := range r.Address {
				if !emit(ip, port, nil, nil) {
					return
				}
			}
			return
		}
		https := slices.Clone(r.HTTPS)
		slices.SortStableFunc(https, func(a, b dns.HTTPS) int { return cmp.Compare(a.Priority, b.Priority) })
		for _, h := range https {
			if h.Priority == 0 {
				continue
			}
			p := port
			if h.Port != 0 {
				p = int(h.Port)
			}
			var addrs []net.IP
			switch {
			case h.Target != "" && h.Target != ".":
				addrs = r.Additional[h.Target]
			case len(h.IPv4Hint) > 0:
				addrs = h.IPv4Hint
			case len(h.IPv6Hint) > 0:
				addrs = h.IPv6Hint
			default:
				addrs = r.Address
			}
			for _, ip := range addrs {
				if !emit(ip, p, h.ALPN, h.ECH) {
					return
				}
			}
		}
	}
}

func addrMatchesNetwork(ip net.IP, network string) bool {
	switch network {
	case "tcp4", "udp4":
		return ip.To4() != nil
	case "tcp6", "udp6":
		return ip.To4() == nil
	default:
		return true
	}
}

// Resolve uses [DefaultResolver] (currently Cloudflare's DNS-over-HTTPS
// service) to resolve name.
func Resolve(ctx context.Context, name string) (ResolveResult, error) {
	return DefaultResolver.Resolve(ctx, name)
}

// DefaultResolver is the [Resolver] used by [Resolve] and by [Dialer] when
// its own Resolver field is nil. Tests may swap it out temporarily to
// point resolution at a local DNS-over-HTTPS stub.
var DefaultResolver = CloudflareResolver()

// CloudflareResolver uses Cloudflare's DNS-over-HTTPS service.
// https://developers.cloudflare.com/1.1.1.1/encryption/dns-over-https/
func CloudflareResolver() *Resolver {
	return &Resolver{baseURL: url.URL{Scheme: "https", Host: "1.1.1.1", Path: "/dns-query"}}
}

// GoogleResolver uses Google's DNS-over-HTTPS service.
// https://developers.google.com/speed/public-dns/docs/doh
func GoogleResolver() *Resolver {
	return &Resolver{baseURL: url.URL{Scheme: "https", Host: "dns.google", Path: "/dns-query"}}
}

// WikimediaResolver uses Wikimedia's DNS-over-HTTPS service.
// https://meta.wikimedia.org/wiki/Wikimedia_DNS
func WikimediaResolver() *Resolver {
	return &Resolver{baseURL: url.URL{Scheme: "https", Host: "wikimedia-dns.org", Path: "/dns-query"}}
}

// NewResolver returns a resolver that uses any RFC 8484 compliant
// DNS-over-HTTPS service.
func NewResolver(URL string) (*Resolver, error) {
	u, err := url.Parse(URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" {
		return nil, errors.New("service url must use https")
	}
	return &Resolver{baseURL: *u}, nil
}

// InsecureGoResolver uses the operating system's stock resolver (plain,
// unencrypted DNS, typically over UDP/TCP port 53) via the standard
// library instead of DNS-over-HTTPS. It never sees HTTPS/SVCB records, so
// [ResolveResult.HTTPS] is always empty and ECH config lists can't be
// discovered this way. Useful mainly as a fallback or for comparison when
// diagnosing a DoH resolver.
func InsecureGoResolver() *Resolver {
	return &Resolver{insecureGo: true}
}

// Resolver is a DNS-over-HTTPS client with an optional response cache,
// grounded on the teacher's own resolver but generalized to also chase
// CNAMEs, follow HTTPS AliasMode/TargetName records, and track each
// record's TTL for cache expiry.
type Resolver struct {
	baseURL    url.URL
	insecureGo bool

	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
}

type cacheEntry struct {
	value   []any
	expires time.Time
}

// timeNow is a seam for tests; production code always calls time.Now.
var timeNow = time.Now

// SetCacheSize enables response caching with room for n (name, type)
// lookups. A size of 0 disables caching.
func (r *Resolver) SetCacheSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 {
		r.cache = nil
		return
	}
	c, err := lru.New[string, cacheEntry](n)
	if err != nil {
		panic(err)
	}
	r.cache = c
}

// Resolve resolves name (optionally "host:port" or "scheme://host:port")
// to its A/AAAA addresses and HTTPS records, following CNAMEs for the
// address lookup and pre-resolving any HTTPS TargetName into Additional.
func (r *Resolver) Resolve(ctx context.Context, name string) (ResolveResult, error) {
	host, port := splitResolveTarget(name)
	result := ResolveResult{Port: port}

	if host == "localhost" {
		result.Address = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
		return result, nil
	}
	if ip := net.ParseIP(host); ip != nil {
		result.Address = []net.IP{ip}
		return result, nil
	}

	// A lone priority-0 HTTPS record is AliasMode (RFC 9460 section 2.1):
	// it carries no service parameters of its own, and both the address
	// and any further HTTPS lookup happen at its TargetName instead of
	// host. Chase that chain here, bounded against cycles.
	resolveHost := host
	var https []any
	for range 8 {
		h, err := r.resolveOne(ctx, resolveHost, "HTTPS")
		if err != nil {
			return result, err
		}
		https = h
		if len(https) != 1 {
			break
		}
		alias, ok := https[0].(dns.HTTPS)
		if !ok || alias.Priority != 0 || alias.Target == "" || alias.Target == "." || alias.Target == resolveHost {
			break
		}
		resolveHost = alias.Target
	}
	for _, v := range https {
		result.HTTPS = append(result.HTTPS, v.(dns.HTTPS))
	}

	addrs, err := r.resolveAddr(ctx, resolveHost)
	if err != nil {
		return result, err
	}
	result.Address = addrs

	for _, h := range result.HTTPS {
		if h.Target == "" || h.Target == "." {
			continue
		}
		if result.Additional == nil {
			result.Additional = map[string][]net.IP{}
		}
		if _, ok := result.Additional[h.Target]; ok {
			continue
		}
		if h.Target == resolveHost {
			result.Additional[h.Target] = addrs
			continue
		}
		targetAddrs, err := r.resolveAddr(ctx, h.Target)
		if err != nil {
			continue
		}
		result.Additional[h.Target] = targetAddrs
	}
	return result, nil
}

// resolveAddr resolves host's A and AAAA records, following a CNAME chain.
func (r *Resolver) resolveAddr(ctx context.Context, host string) ([]net.IP, error) {
	var addrs []net.IP
	a, err := r.resolveOne(ctx, host, "A")
	if err != nil {
		return nil, err
	}
	for _, v := range a {
		addrs = append(addrs, v.(net.IP))
	}
	aaaa, err := r.resolveOne(ctx, host, "AAAA")
	if err != nil {
		return nil, err
	}
	for _, v := range aaaa {
		addrs = append(addrs, v.(net.IP))
	}
	return addrs, nil
}

func splitResolveTarget(name string) (string, int) {
	host := name
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.IndexAny(host, "/?#"); idx >= 0 {
		host = host[:idx]
	}
	if h, p, err := net.SplitHostPort(host); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			return host, n
		}
	}
	return host, 443
}

var (
	ErrFormatError       = errors.New("format error")
	ErrServerFailure     = errors.New("server failure")
	ErrNonExistentDomain = errors.New("non-existent domain")
	ErrNotImplemented    = errors.New("not implemented")
	ErrQueryRefused      = errors.New("query refused")

	rcode = map[uint8]error{
		1: ErrFormatError,
		2: ErrServerFailure,
		3: ErrNonExistentDomain,
		4: ErrNotImplemented,
		5: ErrQueryRefused,
	}
)

// resolveOne resolves a single (name, type) query, following CNAMEs and
// consulting/populating the cache if one is configured. The returned
// values are net.IP for "A"/"AAAA" and dns.HTTPS for "HTTPS".
func (r *Resolver) resolveOne(ctx context.Context, name, typ string) ([]any, error) {
	key := typ + " " + strings.ToLower(strings.TrimSuffix(name, "."))
	r.mu.Lock()
	cache := r.cache
	r.mu.Unlock()
	if cache != nil {
		if e, ok := cache.Get(key); ok && timeNow().Before(e.expires) {
			return e.value, nil
		}
	}

	if r.insecureGo {
		return r.resolveOneGo(ctx, name, typ, key, cache)
	}

	msg := dns.Message{RD: 1, Question: []dns.Question{{Name: name, Type: dns.RRType(typ), Class: 1}}}
	resp, err := dns.DoH(ctx, &msg, r.baseURL.String())
	if err != nil {
		return nil, err
	}
	if rc := resp.RCode; rc != 0 {
		if err := rcode[rc]; err != nil {
			return nil, fmt.Errorf("%s (%s): %w (%d)", name, typ, err, rc)
		}
		return nil, fmt.Errorf("%s (%s): response code %d", name, typ, rc)
	}

	var res []any
	var minTTL uint32 = 0xffffffff
	want := strings.TrimSuffix(name, ".")
	wantType := dns.RRType(typ)
	for _, a := range resp.Answer {
		rrName := strings.TrimSuffix(a.Name, ".")
		if !strings.EqualFold(rrName, want) {
			continue
		}
		if a.TTL < minTTL {
			minTTL = a.TTL
		}
		if a.Type == 5 { // CNAME
			want = strings.TrimSuffix(a.Data.(string), ".")
			continue
		}
		if a.Type == wantType {
			res = append(res, a.Data)
		}
	}

	if cache != nil {
		ttl := time.Duration(minTTL) * time.Second
		if minTTL == 0xffffffff {
			ttl = 0
		}
		cache.Add(key, cacheEntry{value: res, expires: timeNow().Add(ttl)})
	}
	return res, nil
}

// resolveOneGo serves "A"/"AAAA" lookups from the operating system's
// resolver for an [InsecureGoResolver]; it never has HTTPS records.
func (r *Resolver) resolveOneGo(ctx context.Context, name, typ, key string, cache *lru.Cache[string, cacheEntry]) ([]any, error) {
	var network string
	switch typ {
	case "A":
		network = "ip4"
	case "AAAA":
		network = "ip6"
	default:
		return nil, nil
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, network, name)
	if err != nil {
		if cache != nil {
			cache.Add(key, cacheEntry{value: nil, expires: timeNow().Add(30 * time.Second)})
		}
		return nil, nil
	}
	res := make([]any, len(ips))
	for i, ip := range ips {
		res[i] = ip
	}
	if cache != nil {
		cache.Add(key, cacheEntry{value: res, expires: timeNow().Add(30 * time.Second)})
	}
	return res, nil
}
