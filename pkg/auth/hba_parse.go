package auth

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/types"
)

// LoadHBAFile reads path and parses it into an HBATable.
func LoadHBAFile(path string) (*HBATable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open hba file: %v", poolerr.ErrConfig, err)
	}
	defer f.Close()
	return ParseHBA(f)
}

// ParseHBA parses an HBA file from r. Lines are blank, a comment starting
// with '#', or:
//
//	local      database  role            method [option=value ...]
//	host       database  role  address   method [option=value ...]
//	hostssl    database  role  address   method [option=value ...]
//	hostnossl  database  role  address   method [option=value ...]
//
// database and role accept a comma-separated list; "all" matches anything
// and, for role, "sameuser" matches the connecting user's own name. address is a CIDR, a bare IP (treated as a host match),
// "samehost", "samenet", "all", or a hostname pattern.
func ParseHBA(r io.Reader) (*HBATable, error) {
	table := &HBATable{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseHBALine(line)
		if err != nil {
			return nil, fmt.Errorf("%w: hba file line %d: %v", poolerr.ErrConfig, lineNo, err)
		}
		table.Rules = append(table.Rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read hba file: %v", poolerr.ErrConfig, err)
	}
	return table, nil
}

func parseHBALine(line string) (types.HBARule, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return types.HBARule{}, fmt.Errorf("expected at least 4 fields, got %d", len(fields))
	}

	connType, err := parseConnType(fields[0])
	if err != nil {
		return types.HBARule{}, err
	}

	rule := types.HBARule{ConnType: connType}
	idx := 1
	rule.Databases = splitHBAList(fields[idx])
	idx++
	rule.Roles = splitHBAList(fields[idx])
	idx++

	if connType != types.ConnLocal {
		if len(fields) <= idx {
			return types.HBARule{}, fmt.Errorf("missing address field")
		}
		addr, err := parseAddrMatch(fields[idx])
		if err != nil {
			return types.HBARule{}, err
		}
		rule.Addr = addr
		idx++
	}

	if len(fields) <= idx {
		return types.HBARule{}, fmt.Errorf("missing method field")
	}
	method := types.AuthMethod(fields[idx])
	if !validHBAMethod(method) {
		return types.HBARule{}, fmt.Errorf("unknown auth method %q", fields[idx])
	}
	rule.Method = method
	idx++

	if idx < len(fields) {
		rule.Options = make(map[string]string, len(fields)-idx)
		for _, opt := range fields[idx:] {
			k, v, ok := strings.Cut(opt, "=")
			if !ok {
				return types.HBARule{}, fmt.Errorf("malformed option %q", opt)
			}
			rule.Options[k] = strings.Trim(v, `"`)
		}
	}

	return rule, nil
}

func parseConnType(s string) (types.ConnType, error) {
	switch s {
	case "local":
		return types.ConnLocal, nil
	case "host":
		return types.ConnHost, nil
	case "hostssl":
		return types.ConnHostSSL, nil
	case "hostnossl":
		return types.ConnHostNoSSL, nil
	default:
		return 0, fmt.Errorf("unknown connection type %q", s)
	}
}

func splitHBAList(field string) []string {
	parts := strings.Split(field, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func validHBAMethod(m types.AuthMethod) bool {
	switch m {
	case types.AuthTrust, types.AuthReject, types.AuthPassword, types.AuthMD5,
		types.AuthSCRAMSHA256, types.AuthCert, types.AuthPAM, types.AuthLDAP:
		return true
	default:
		return false
	}
}

// parseAddrMatch interprets an HBA address field. samehost/samenet are left
// unresolved here; the config loader resolves them against the pool's own
// listening interfaces into an equivalent AddrCIDR (see hba.go's addrMatches
// comment).
func parseAddrMatch(field string) (types.AddrMatch, error) {
	switch field {
	case "all":
		return types.AddrMatch{Kind: types.AddrAll}, nil
	case "samehost":
		return types.AddrMatch{Kind: types.AddrSameHost}, nil
	case "samenet":
		return types.AddrMatch{Kind: types.AddrSameNet}, nil
	}
	if strings.HasPrefix(field, ".") {
		return types.AddrMatch{Kind: types.AddrHostname, HostnameSuffix: field}, nil
	}
	if strings.Contains(field, "/") {
		_, network, err := net.ParseCIDR(field)
		if err != nil {
			return types.AddrMatch{}, fmt.Errorf("invalid CIDR %q: %v", field, err)
		}
		return types.AddrMatch{Kind: types.AddrCIDR, Net: network.IP, Mask: network.Mask}, nil
	}
	if ip := net.ParseIP(field); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return types.AddrMatch{Kind: types.AddrCIDR, Net: v4, Mask: net.CIDRMask(32, 32)}, nil
		}
		return types.AddrMatch{Kind: types.AddrCIDR, Net: ip, Mask: net.CIDRMask(128, 128)}, nil
	}
	// not an IP literal: treat as an exact-suffix hostname pattern.
	return types.AddrMatch{Kind: types.AddrHostname, HostnameSuffix: field}, nil
}
