package auth

import (
	"context"
	"net"
	"strings"

	"github.com/relaypool/relaypool/pkg/types"
)

// ConnInfo describes one inbound connection attempt for HBA matching (spec
// §4.2, §3 "HBA rule").
type ConnInfo struct {
	Type     types.ConnType
	Addr     net.IP
	Database string
	Role     string
}

// HBATable is the loaded, ordered set of host-based-authentication rules
//. The first matching rule wins; an empty table or an
// address space with no match yields AuthImplicitReject.
type HBATable struct {
	Rules []types.HBARule
}

// Resolver looks up PTR/forward-confirm names for hostname-based HBA
// entries; production wiring uses net.DefaultResolver, tests a fake.
type Resolver interface {
	LookupAddr(ctx context.Context, addr string) ([]string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Match finds the first rule in the table matching conn, consulting
// resolver only for AddrHostname rules. It returns types.AuthImplicitReject
// with a nil rule when nothing matches.
func (t *HBATable) Match(ctx context.Context, conn ConnInfo, resolver Resolver) (types.AuthMethod, *types.HBARule) {
	for i := range t.Rules {
		rule := &t.Rules[i]
		if !connTypeMatches(rule.ConnType, conn.Type) {
			continue
		}
		if !databaseMatches(rule.Databases, conn.Database) {
			continue
		}
		if !roleMatches(rule.Roles, conn.Role) {
			continue
		}
		if !addrMatches(ctx, rule.Addr, conn.Addr, resolver) {
			continue
		}
		return rule.Method, rule
	}
	return types.AuthImplicitReject, nil
}

func connTypeMatches(ruleType, connType types.ConnType) bool {
	if ruleType == connType {
		return true
	}
	// a "host" rule also matches hostssl/hostnossl connections generically;
	// hostssl/hostnossl rules only match their exact transport.
	if ruleType == types.ConnHost && (connType == types.ConnHostSSL || connType == types.ConnHostNoSSL) {
		return true
	}
	return false
}

func databaseMatches(list []string, database string) bool {
	return listMatches(list, database, "")
}

func roleMatches(list []string, role string) bool {
	return listMatches(list, role, "sameuser")
}

// listMatches implements the "all" wildcard and, for roles, the
// "sameuser" keyword.
func listMatches(list []string, value, sameKeyword string) bool {
	if len(list) == 0 {
		return true
	}
	for _, entry := range list {
		if entry == "all" {
			return true
		}
		if sameKeyword != "" && entry == sameKeyword && value != "" {
			return true
		}
		if entry == value {
			return true
		}
	}
	return false
}

func addrMatches(ctx context.Context, m types.AddrMatch, addr net.IP, resolver Resolver) bool {
	switch m.Kind {
	case types.AddrAll:
		return true
	case types.AddrCIDR:
		if m.Net == nil {
			return false
		}
		network := &net.IPNet{IP: m.Net, Mask: m.Mask}
		return network.Contains(normalizeIP(addr, m.Net))
	case types.AddrSameHost, types.AddrSameNet:
		// Resolved against the pool's own listening address at load time
		// into a single-address AddrCIDR by the config loader; if one
		// reaches here unresolved it never matches (fail closed).
		return false
	case types.AddrHostname:
		return hostnameMatches(ctx, m.HostnameSuffix, addr, resolver)
	default:
		return false
	}
}

// normalizeIP maps a dotted-quad IPv4 address into the same family as
// network so net.IPNet.Contains compares like with like, mirroring the
// original's IPv4-mapped-IPv6 handling (utils/pool_ip.c).
func normalizeIP(addr, network net.IP) net.IP {
	if v4 := network.To4(); v4 != nil {
		if a4 := addr.To4(); a4 != nil {
			return a4
		}
	}
	if network.To4() == nil && addr.To4() != nil {
		return addr.To16()
	}
	return addr
}

// hostnameMatches performs PTR lookup on addr and forward-confirms at least
// one resulting name by resolving it back to an address equal to addr,
// guarding against DNS spoofing the way the original's check_hostname does
// (utils/pool_ip.c).
func hostnameMatches(ctx context.Context, suffix string, addr net.IP, resolver Resolver) bool {
	if resolver == nil || addr == nil {
		return false
	}
	names, err := resolver.LookupAddr(ctx, addr.String())
	if err != nil {
		return false
	}
	for _, name := range names {
		trimmed := strings.TrimSuffix(name, ".")
		if !strings.HasSuffix(trimmed, strings.TrimPrefix(suffix, "*")) && trimmed != suffix {
			continue
		}
		forward, err := resolver.LookupHost(ctx, trimmed)
		if err != nil {
			continue
		}
		for _, fa := range forward {
			if net.ParseIP(fa).Equal(addr) {
				return true
			}
		}
	}
	return false
}
