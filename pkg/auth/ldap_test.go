package auth

import (
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeLDAPUsernameRejectsMetacharacters(t *testing.T) {
	for _, bad := range []string{"a*b", "a(b", "a)b", `a\b`, "a/b"} {
		assert.Error(t, SanitizeLDAPUsername(bad), "expected %q to be rejected", bad)
	}
	assert.NoError(t, SanitizeLDAPUsername("alice"))
}

type fakeLDAPConn struct {
	boundAs  []string
	boundPwd []string
	failOn   map[string]bool
	searchFn func(req *ldap.SearchRequest) (*ldap.SearchResult, error)
}

func (f *fakeLDAPConn) Bind(username, password string) error {
	f.boundAs = append(f.boundAs, username)
	f.boundPwd = append(f.boundPwd, password)
	if f.failOn[username] {
		return assertErr{}
	}
	return nil
}

func (f *fakeLDAPConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return f.searchFn(req)
}

func (f *fakeLDAPConn) Close() error { return nil }

type assertErr struct{}

func (assertErr) Error() string { return "bind failed" }

func TestLDAPAuthenticatorSimpleBind(t *testing.T) {
	conn := &fakeLDAPConn{}
	a := &LDAPAuthenticator{Dial: func(string) (LDAPConn, error) { return conn, nil }}

	err := a.Authenticate(LDAPConfig{Prefix: "uid=", Suffix: ",ou=people,dc=example,dc=com"}, "alice", "hunter2")
	require.NoError(t, err)
	require.Len(t, conn.boundAs, 1)
	assert.Equal(t, "uid=alice,ou=people,dc=example,dc=com", conn.boundAs[0])
}

func TestLDAPAuthenticatorRejectsEmptyPassword(t *testing.T) {
	conn := &fakeLDAPConn{}
	a := &LDAPAuthenticator{Dial: func(string) (LDAPConn, error) { return conn, nil }}

	err := a.Authenticate(LDAPConfig{Prefix: "uid=", Suffix: ",dc=example"}, "alice", "")
	assert.Error(t, err)
	assert.Empty(t, conn.boundAs)
}

func TestLDAPAuthenticatorSearchBind(t *testing.T) {
	conn := &fakeLDAPConn{
		failOn: map[string]bool{},
		searchFn: func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
			return &ldap.SearchResult{Entries: []*ldap.Entry{{DN: "uid=alice,ou=people,dc=example,dc=com"}}}, nil
		},
	}
	a := &LDAPAuthenticator{Dial: func(string) (LDAPConn, error) { return conn, nil }}

	err := a.Authenticate(LDAPConfig{
		SearchBind: true,
		BaseDN:     "ou=people,dc=example,dc=com", BindDN: "cn=admin,dc=example,dc=com", BindPasswd: "adminpw",
	}, "alice", "hunter2")
	require.NoError(t, err)
	require.Len(t, conn.boundAs, 2)
	assert.Equal(t, "cn=admin,dc=example,dc=com", conn.boundAs[0])
	assert.Equal(t, "uid=alice,ou=people,dc=example,dc=com", conn.boundAs[1])
}
