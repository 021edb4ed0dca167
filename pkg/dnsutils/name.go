package dnsutils

import (
	"github.com/miekg/dns"
)

// MaxWireNameLen is the largest encoded domain name (RFC 1035 2.3.4),
// plus one spare byte.
const MaxWireNameLen = 256

// PackName writes the uncompressed wire form of name into buf and returns
// the number of bytes written. Case is preserved.
func PackName(buf []byte, name string) (int, error) {
	return dns.PackDomainName(dns.Fqdn(name), buf, 0, nil, false)
}

// PackCanonicalName is PackName over the lowercased name.
func PackCanonicalName(buf []byte, name string) (int, error) {
	return PackName(buf, dns.CanonicalName(name))
}

// EqualNames reports whether a and b are the same domain name, ignoring case.
func EqualNames(a, b string) bool {
	return dns.CanonicalName(a) == dns.CanonicalName(b)
}

// IsSubDomainOf reports whether child is parent or lies below it.
func IsSubDomainOf(child, parent string) bool {
	return dns.IsSubDomain(parent, child)
}
