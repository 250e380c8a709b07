// Package ssrf classifies outbound URLs so that downstream adapters cannot
// be steered at loopback, private, link-local, or CGNAT destinations, whether
// directly via an address literal or indirectly via DNS rebinding.
package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// LookupFunc resolves a hostname to its addresses. Injectable for testing.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Options controls classification behavior.
type Options struct {
	// Allowlist holds hostnames that bypass host classification entirely.
	// The URL must still be a valid http/https URL.
	Allowlist []string

	// DisableResolve skips the DNS resolution step of CheckURLResolved.
	DisableResolve bool

	// Lookup overrides the DNS resolver. Nil uses net.DefaultResolver.
	Lookup LookupFunc
}

// DeniedError reports a URL rejected by the classifier.
type DeniedError struct {
	URL    string
	Host   string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("ssrf: deny %s: %s", e.URL, e.Reason)
}

// privateV4 lists every IPv4 range the classifier refuses to reach,
// including CGNAT (100.64/10) and the unspecified address.
var privateV4 = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("0.0.0.0/32"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
}

// ulaV6 is the IPv6 unique-local range fc00::/7.
var ulaV6 = netip.MustParsePrefix("fc00::/7")

// IsPrivateAddr reports whether ip must not be dialed. IPv4-mapped IPv6
// addresses (both the dotted ::ffff:a.b.c.d form and the expanded hex form)
// are unmapped and judged as IPv4.
func IsPrivateAddr(ip netip.Addr) bool {
	if !ip.IsValid() {
		return true
	}
	ip = ip.Unmap()
	if ip.Is4() {
		for _, p := range privateV4 {
			if p.Contains(ip) {
				return true
			}
		}
		return false
	}
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	return ulaV6.Contains(ip)
}

// CheckURL performs the structural verdict: URL shape, scheme, and literal
// host classification. It never touches the network.
func CheckURL(raw string, opts Options) error {
	_, _, err := checkStructural(raw, opts)
	return err
}

// CheckURLResolved performs CheckURL and then, for hostname targets with no
// allowlist and resolution enabled, resolves all addresses and denies if any
// resolved address is private. DNS failure or an empty answer is a denial.
func CheckURLResolved(ctx context.Context, raw string, opts Options) error {
	host, bypassed, err := checkStructural(raw, opts)
	if err != nil {
		return err
	}
	if bypassed || opts.DisableResolve {
		return nil
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return nil // literal already classified structurally
	}

	lookup := opts.Lookup
	if lookup == nil {
		lookup = defaultLookup
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return &DeniedError{URL: raw, Host: host, Reason: fmt.Sprintf("dns resolution failed: %v", err)}
	}
	if len(addrs) == 0 {
		return &DeniedError{URL: raw, Host: host, Reason: "dns resolution yielded no addresses"}
	}
	for _, a := range addrs {
		if IsPrivateAddr(a) {
			return &DeniedError{URL: raw, Host: host, Reason: fmt.Sprintf("resolves to private address %s", a)}
		}
	}
	return nil
}

// checkStructural returns the normalized host and whether the allowlist
// bypassed classification.
func checkStructural(raw string, opts Options) (host string, bypassed bool, err error) {
	u, perr := url.Parse(raw)
	if perr != nil {
		return "", false, &DeniedError{URL: raw, Reason: "unparseable url"}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false, &DeniedError{URL: raw, Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	host = normalizeHost(u.Hostname())
	if host == "" {
		return "", false, &DeniedError{URL: raw, Reason: "empty host"}
	}
	for _, allowed := range opts.Allowlist {
		if normalizeHost(allowed) == host {
			return host, true, nil
		}
	}
	if host == "localhost" {
		return "", false, &DeniedError{URL: raw, Host: host, Reason: "localhost is not allowed"}
	}
	if ip, perr := netip.ParseAddr(host); perr == nil {
		if IsPrivateAddr(ip) {
			return "", false, &DeniedError{URL: raw, Host: host, Reason: fmt.Sprintf("private address %s", ip.Unmap())}
		}
	}
	return host, false, nil
}

// normalizeHost lowercases, strips the FQDN trailing dot, and converts
// internationalized hostnames to their ASCII (punycode) form so classification
// cannot be dodged with lookalike encodings.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

func defaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}
