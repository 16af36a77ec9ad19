package auth

import (
	"context"
	"net"
	"testing"

	"github.com/relaypool/relaypool/pkg/types"
	"github.com/stretchr/testify/assert"
)

func cidrRule(cidr string, method types.AuthMethod) types.HBARule {
	_, network, _ := net.ParseCIDR(cidr)
	return types.HBARule{
		ConnType: types.ConnHost,
		Addr:     types.AddrMatch{Kind: types.AddrCIDR, Net: network.IP, Mask: network.Mask},
		Method:   method,
	}
}

func TestHBAMatchFirstRuleWins(t *testing.T) {
	table := &HBATable{Rules: []types.HBARule{
		cidrRule("10.0.0.0/8", types.AuthTrust),
		cidrRule("0.0.0.0/0", types.AuthReject),
	}}

	method, rule := table.Match(context.Background(), ConnInfo{
		Type: types.ConnHost,
		Addr: net.ParseIP("10.1.2.3"),
	}, nil)

	assert.Equal(t, types.AuthTrust, method)
	assert.NotNil(t, rule)
}

func TestHBAMatchFallsThroughToImplicitReject(t *testing.T) {
	table := &HBATable{Rules: []types.HBARule{
		cidrRule("10.0.0.0/8", types.AuthTrust),
	}}

	method, rule := table.Match(context.Background(), ConnInfo{
		Type: types.ConnHost,
		Addr: net.ParseIP("192.168.1.1"),
	}, nil)

	assert.Equal(t, types.AuthImplicitReject, method)
	assert.Nil(t, rule)
}

func TestHBAMatchDatabaseAndRoleFilters(t *testing.T) {
	rule := cidrRule("0.0.0.0/0", types.AuthMD5)
	rule.Databases = []string{"billing"}
	rule.Roles = []string{"sameuser"}
	table := &HBATable{Rules: []types.HBARule{rule}}

	method, _ := table.Match(context.Background(), ConnInfo{
		Type: types.ConnHost, Addr: net.ParseIP("1.2.3.4"),
		Database: "billing", Role: "alice",
	}, nil)
	assert.Equal(t, types.AuthMD5, method)

	method, _ = table.Match(context.Background(), ConnInfo{
		Type: types.ConnHost, Addr: net.ParseIP("1.2.3.4"),
		Database: "other", Role: "alice",
	}, nil)
	assert.Equal(t, types.AuthImplicitReject, method)
}

func TestHBAMatchConnTypeHostAlsoMatchesSSLVariants(t *testing.T) {
	table := &HBATable{Rules: []types.HBARule{cidrRule("0.0.0.0/0", types.AuthTrust)}}

	method, _ := table.Match(context.Background(), ConnInfo{Type: types.ConnHostSSL, Addr: net.ParseIP("1.1.1.1")}, nil)
	assert.Equal(t, types.AuthTrust, method)
}

func TestHBAMatchIPv4MappedAddressAgainstIPv4CIDR(t *testing.T) {
	table := &HBATable{Rules: []types.HBARule{cidrRule("192.168.0.0/16", types.AuthTrust)}}

	method, _ := table.Match(context.Background(), ConnInfo{
		Type: types.ConnHost,
		Addr: net.ParseIP("::ffff:192.168.1.5"),
	}, nil)
	assert.Equal(t, types.AuthTrust, method)
}
