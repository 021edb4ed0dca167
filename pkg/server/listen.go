package server

import (
	"context"
	"net"

	"github.com/pires/go-proxyproto"
)

// ListenUDP opens a udp socket on addr.
func ListenUDP(ctx context.Context, addr string, reusePort bool) (net.PacketConn, error) {
	return listenConfig(reusePort).ListenPacket(ctx, "udp", addr)
}

// ListenTCP opens a tcp listener on addr. With proxyProtocol, connections
// must start with a PROXY protocol header and their RemoteAddr is the
// address it carries.
func ListenTCP(ctx context.Context, addr string, reusePort, proxyProtocol bool) (net.Listener, error) {
	l, err := listenConfig(reusePort).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if proxyProtocol {
		l = &proxyproto.Listener{
			Listener: l,
			Policy: func(net.Addr) (proxyproto.Policy, error) {
				return proxyproto.REQUIRE, nil
			},
		}
	}
	return l, nil
}

func listenConfig(reusePort bool) *net.ListenConfig {
	lc := new(net.ListenConfig)
	if reusePort {
		lc.Control = reusePortControl
	}
	return lc
}
