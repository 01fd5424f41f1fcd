//go:build linux

package world

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	dnsCacheTTL     = 5 * time.Minute
	dnsRefreshEvery = 60 * time.Second
)

type cachedResolution struct {
	ips       []net.IP
	expiresAt time.Time
}

// DnsResolver resolves a world's allowed domains, caches results for
// dnsCacheTTL, and keeps the nftables allowed_ips set in sync on a
// background refresh loop (original_source dns.rs DnsResolver, adapted from
// the `dns_lookup` crate to `miekg/dns` — the rest of the pack carries no
// equivalent of Rust's libresolv-backed crate, so a real DNS client library
// stands in for it rather than falling back to net.LookupHost, which cannot
// be pointed at a specific upstream resolver the way the Rust original's
// dnsmasq-fronted stub setup requires).
type DnsResolver struct {
	allowedDomains []string
	upstream       string
	mu             sync.RWMutex
	resolved       map[string]cachedResolution

	stopCh chan struct{}
}

// NewDnsResolver seeds a resolver for the given allowlist, querying upstream
// (default 1.1.1.1:53, matching the dnsmasq stub's --server flag below).
func NewDnsResolver(allowedDomains []string, upstream string) *DnsResolver {
	if upstream == "" {
		upstream = "1.1.1.1:53"
	}
	return &DnsResolver{
		allowedDomains: allowedDomains,
		upstream:       upstream,
		resolved:       make(map[string]cachedResolution),
		stopCh:         make(chan struct{}),
	}
}

// SpawnResolver starts the background refresh loop. Callers must call Stop
// to release the goroutine when the world tears down.
func (r *DnsResolver) SpawnResolver() {
	go func() {
		ticker := time.NewTicker(dnsRefreshEvery)
		defer ticker.Stop()
		r.refreshAll()
		for {
			select {
			case <-ticker.C:
				r.refreshAll()
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop ends the background refresh loop.
func (r *DnsResolver) Stop() { close(r.stopCh) }

func (r *DnsResolver) refreshAll() {
	r.mu.Lock()
	for _, domain := range r.allowedDomains {
		ips, err := r.lookupHost(domain)
		if err != nil {
			fmt.Fprintf(os.Stderr, "substrate: warn: failed to resolve %s: %v\n", domain, err)
			continue
		}
		r.resolved[domain] = cachedResolution{ips: ips, expiresAt: time.Now().Add(dnsCacheTTL)}
	}
	snapshot := make(map[string]cachedResolution, len(r.resolved))
	for k, v := range r.resolved {
		snapshot[k] = v
	}
	r.mu.Unlock()

	if err := updateNftablesAllowedIPs(snapshot); err != nil {
		fmt.Fprintf(os.Stderr, "substrate: warn: nftables set update failed: %v\n", err)
	}
}

func (r *DnsResolver) lookupHost(domain string) ([]net.IP, error) {
	client := new(dns.Client)
	client.Timeout = 5 * time.Second

	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(domain), qtype)
		resp, _, err := client.Exchange(msg, r.upstream)
		if err != nil {
			continue
		}
		for _, ans := range resp.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				ips = append(ips, rr.A)
			case *dns.AAAA:
				ips = append(ips, rr.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no records for %s", domain)
	}
	return ips, nil
}

// ResolvedIPs returns the cached, non-expired IPs for a domain.
func (r *DnsResolver) ResolvedIPs(domain string) ([]net.IP, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cached, ok := r.resolved[domain]
	if !ok || time.Now().After(cached.expiresAt) {
		return nil, false
	}
	return cached.ips, true
}

// SetupDnsStub writes resolv.conf pointing at a loopback stub resolver and
// starts dnsmasq bound to it inside the merged overlay view.
func (r *DnsResolver) SetupDnsStub(rootDir string) error {
	resolvConf := filepath.Join(rootDir, "etc/resolv.conf")
	if err := os.MkdirAll(filepath.Dir(resolvConf), 0o755); err != nil {
		return fmt.Errorf("create etc dir for resolv.conf: %w", err)
	}
	if err := os.WriteFile(resolvConf, []byte("nameserver 127.0.0.53\noptions edns0 trust-ad\n"), 0o644); err != nil {
		return fmt.Errorf("write resolv.conf: %w", err)
	}
	return r.startStubResolver()
}

func (r *DnsResolver) startStubResolver() error {
	if _, err := exec.LookPath("dnsmasq"); err != nil {
		fmt.Fprintln(os.Stderr, "substrate: warn: dnsmasq not found, DNS stub resolver unavailable")
		return nil
	}
	cmd := exec.Command("dnsmasq",
		"--no-resolv",
		"--server="+hostOf(r.upstream),
		"--listen-address=127.0.0.53",
		"--bind-interfaces",
		"--cache-size=1000",
		"--pid-file=/run/substrate/dnsmasq.pid",
	)
	return cmd.Start()
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
