package utils

import (
	"net"
	"net/netip"

	"golang.org/x/exp/constraints"
)

// SetDefaultNum sets *p to d if *p is zero.
func SetDefaultNum[K constraints.Integer | constraints.Float](p *K, d K) {
	if *p == 0 {
		*p = d
	}
}

// CheckNumRange reports whether v is within [lo, hi].
func CheckNumRange[K constraints.Integer | constraints.Float](v, lo, hi K) bool {
	return v >= lo && v <= hi
}

// GetAddrFromAddr returns the ip of addr. It returns an invalid netip.Addr
// if addr has no ip.
func GetAddrFromAddr(addr net.Addr) netip.Addr {
	switch v := addr.(type) {
	case *net.UDPAddr:
		return netipAddr(v.IP)
	case *net.TCPAddr:
		return netipAddr(v.IP)
	case *net.IPAddr:
		return netipAddr(v.IP)
	case interface{ AddrPort() netip.AddrPort }:
		return v.AddrPort().Addr().Unmap()
	}
	if addr == nil {
		return netip.Addr{}
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

func netipAddr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip)
	return a.Unmap()
}
