package packet_cache

import (
	"github.com/miekg/dns"

	"github.com/pmkol/packetcache/pkg/dnsutils"
)

// PurgeExpired removes expired entries until at most upTo entries remain
// or nothing expired is left. It returns the number of removed entries.
func (c *Cache) PurgeExpired(upTo int) (removed int) {
	now := c.now().Unix()

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	toRemove := len(c.s.m) - upTo
	for k, e := range c.s.m {
		if toRemove <= 0 {
			break
		}
		if e.validity < now {
			delete(c.s.m, k)
			toRemove--
			removed++
		}
	}
	return removed
}

// Expunge removes arbitrary entries, expired or not, until at most upTo remain.
func (c *Cache) Expunge(upTo int) (removed int) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	toRemove := len(c.s.m) - upTo
	for k := range c.s.m {
		if toRemove <= 0 {
			break
		}
		delete(c.s.m, k)
		toRemove--
		removed++
	}
	return removed
}

// ExpungeByName removes the entries of name, or with suffixMatch of name and
// every name below it, whose type is qtype. dns.TypeANY matches every type.
func (c *Cache) ExpungeByName(name string, qtype uint16, suffixMatch bool) (removed int) {
	name = dns.CanonicalName(name)

	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	for k, e := range c.s.m {
		if matchName(e, name, qtype, suffixMatch) {
			delete(c.s.m, k)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	clear(c.s.m)
}

// matchName expects name in canonical form.
func matchName(e *entry, name string, qtype uint16, suffixMatch bool) bool {
	if qtype != dns.TypeANY && qtype != e.Qtype {
		return false
	}
	if e.Name == name {
		return true
	}
	return suffixMatch && dnsutils.IsSubDomainOf(e.Name, name)
}
