//go:build linux

package world

import (
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strings"
)

const nftTable = "inet substrate"

// ensureNftablesOutputChain programs the `inet substrate` table's output
// filter once per world: accept loopback, accept TCP:443 to the
// allowed_ips set, drop everything else including IPv6 (spec §4.4 egress
// allowlist; original_source dns.rs update_nftables_set covers only the set
// maintenance half of this — the base table/chain bootstrap is a SPEC_FULL.md
// supplement grounded in the same file's embedded `nft` command style).
func ensureNftablesOutputChain() error {
	script := fmt.Sprintf(`
nft list table %[1]s >/dev/null 2>&1 || nft add table %[1]s
nft add set %[1]s allowed_ips '{ type ipv4_addr; flags interval; }' 2>/dev/null || true
nft add chain %[1]s output '{ type filter hook output priority 0; policy drop; }' 2>/dev/null || true
nft flush chain %[1]s output
nft add rule %[1]s output oif lo accept
nft add rule %[1]s output ip daddr @allowed_ips tcp dport 443 accept
nft add rule %[1]s output meta nfproto ipv6 drop
`, nftTable)
	return runNft(script)
}

// updateNftablesAllowedIPs atomically replaces the allowed_ips set contents
// with the union of all currently-cached resolutions (original_source
// dns.rs update_nftables_set, ported from dns_lookup's IpAddr to net.IP).
func updateNftablesAllowedIPs(cache map[string]cachedResolution) error {
	var all []net.IP
	for _, res := range cache {
		for _, ip := range res.ips {
			if ip4 := ip.To4(); ip4 != nil {
				all = append(all, ip4)
			}
		}
	}

	strs := make([]string, 0, len(all))
	for _, ip := range all {
		strs = append(strs, ip.String())
	}
	sort.Strings(strs)

	script := fmt.Sprintf(`
nft list table %[1]s >/dev/null 2>&1 || nft add table %[1]s
nft add set %[1]s allowed_ips '{ type ipv4_addr; flags interval; }' 2>/dev/null || true
nft flush set %[1]s allowed_ips
`, nftTable)
	if len(strs) > 0 {
		script += fmt.Sprintf("nft add element %s allowed_ips { %s }\n", nftTable, strings.Join(strs, ", "))
	}
	return runNft(script)
}

func runNft(script string) error {
	out, err := exec.Command("sh", "-c", script).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nft script failed: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}
