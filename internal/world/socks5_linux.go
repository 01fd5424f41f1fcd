//go:build linux

package world

import (
	"context"
	"fmt"
	"net"

	"github.com/things-go/go-socks5"
)

// Socks5Relay is an in-namespace SOCKS5 proxy that only permits CONNECT to
// hosts whose resolved address is present in the world's DNS-pinned
// allowlist, giving tools that speak SOCKS (rather than raw sockets) a
// supported egress path without punching a hole in the nftables policy
// (SPEC_FULL.md domain-stack supplement — original_source's network.rs is
// test-only and has no runtime relay of its own; go-socks5 is the pack's
// only SOCKS implementation, retrieved for exactly this kind of component).
type Socks5Relay struct {
	listener net.Listener
	server   *socks5.Server
	resolver *DnsResolver
}

// NewSocks5Relay binds a relay to addr (e.g. "127.0.0.1:1080") that
// consults resolver before permitting any CONNECT.
func NewSocks5Relay(addr string, resolver *DnsResolver) (*Socks5Relay, error) {
	relay := &Socks5Relay{resolver: resolver}

	rules := socks5.NewPermitCommand(socks5.ConnectCommand)
	server := socks5.NewServer(
		socks5.WithRule(relayRule{relay: relay}),
		socks5.WithRule(rules),
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	relay.listener = ln
	relay.server = server
	return relay, nil
}

// Serve blocks accepting connections until the listener is closed.
func (r *Socks5Relay) Serve() error {
	return r.server.Serve(r.listener)
}

// Close stops accepting new connections.
func (r *Socks5Relay) Close() error {
	return r.listener.Close()
}

// relayRule enforces the allowlist at the SOCKS layer by checking the
// dial target's host against every domain the resolver currently has a
// live cache entry for.
type relayRule struct {
	relay *Socks5Relay
}

func (rule relayRule) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	if rule.relay.resolver == nil {
		return ctx, false
	}
	host, _, err := net.SplitHostPort(req.DestAddr.String())
	if err != nil {
		host = req.DestAddr.FQDN
	}
	for _, domain := range rule.relay.resolver.allowedDomains {
		if domain == host {
			return ctx, true
		}
		if ips, ok := rule.relay.resolver.ResolvedIPs(domain); ok {
			for _, ip := range ips {
				if ip.String() == host {
					return ctx, true
				}
			}
		}
	}
	return ctx, false
}
