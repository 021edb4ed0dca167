package packet_cache

import (
	"slices"
	"time"

	"github.com/miekg/dns"
)

// EntryInfo describes a cached entry. It never exposes the stored packet.
type EntryInfo struct {
	Key      uint32    `json:"key" yaml:"key"`
	Name     string    `json:"name" yaml:"name"`
	Qtype    uint16    `json:"qtype" yaml:"qtype"`
	Qclass   uint16    `json:"qclass" yaml:"qclass"`
	TCP      bool      `json:"tcp" yaml:"tcp"`
	Len      int       `json:"len" yaml:"len"`
	Added    time.Time `json:"added" yaml:"added"`
	Validity time.Time `json:"validity" yaml:"validity"`
	Extras   []Extra   `json:"extras,omitempty" yaml:"extras,omitempty"`
}

func newEntryInfo(k uint32, e *entry) EntryInfo {
	return EntryInfo{
		Key:      k,
		Name:     e.Name,
		Qtype:    e.Qtype,
		Qclass:   e.Qclass,
		TCP:      e.TCP,
		Len:      len(e.packet),
		Added:    time.Unix(e.added, 0),
		Validity: time.Unix(e.validity, 0),
		Extras:   slices.Clone(e.extras),
	}
}

// Entries returns every entry, sorted by key.
func (c *Cache) Entries() []EntryInfo {
	return c.collect(func(*entry) bool { return true })
}

// FindByName returns the entries ExpungeByName would remove with the same
// arguments, sorted by key.
func (c *Cache) FindByName(name string, qtype uint16, suffixMatch bool) []EntryInfo {
	name = dns.CanonicalName(name)
	return c.collect(func(e *entry) bool { return matchName(e, name, qtype, suffixMatch) })
}

func (c *Cache) collect(match func(*entry) bool) []EntryInfo {
	c.s.mu.RLock()
	infos := make([]EntryInfo, 0, len(c.s.m))
	for k, e := range c.s.m {
		if match(e) {
			infos = append(infos, newEntryInfo(k, e))
		}
	}
	c.s.mu.RUnlock()

	slices.SortFunc(infos, func(a, b EntryInfo) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return infos
}
