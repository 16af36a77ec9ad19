package auth

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/relaypool/relaypool/pkg/poolerr"
)

// LDAPConfig holds one HBA rule's ldap options: either
// simple-bind (ldapprefix/ldapsuffix against a DN template) or
// search+bind (ldapbasedn/ldapbinddn/ldapbindpasswd/ldapsearchfilter).
type LDAPConfig struct {
	URL    string
	Prefix string
	Suffix string

	SearchBind   bool
	BaseDN       string
	BindDN       string
	BindPasswd   string
	SearchFilter string // "%s" replaced with the sanitized username
	SearchAttr   string
}

// forbiddenLDAPChars mirrors the original's username sanitization before it
// is ever placed in a DN or search filter, rejecting characters that let a
// client inject LDAP filter/DN syntax.
const forbiddenLDAPChars = "*()\\/"

// SanitizeLDAPUsername rejects a username containing any LDAP
// metacharacter; returns an error rather than attempting to escape, since
// the original treats any occurrence as an authentication failure.
func SanitizeLDAPUsername(username string) error {
	if strings.ContainsAny(username, forbiddenLDAPChars) {
		return fmt.Errorf("%w: username contains forbidden LDAP characters", poolerr.ErrAuthentication)
	}
	return nil
}

// LDAPAuthenticator binds to a directory server to verify a password.
type LDAPAuthenticator struct {
	Dial func(url string) (LDAPConn, error)
}

// LDAPConn is the subset of *ldap.Conn this package uses, so tests can
// supply a fake directory.
type LDAPConn interface {
	Bind(username, password string) error
	Search(request *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

func dialLDAP(url string) (LDAPConn, error) {
	conn, err := ldap.DialURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: dial LDAP server: %v", poolerr.ErrAuthentication, err)
	}
	return conn, nil
}

// NewLDAPAuthenticator builds an authenticator that dials real directory
// servers with go-ldap/v3.
func NewLDAPAuthenticator() *LDAPAuthenticator {
	return &LDAPAuthenticator{Dial: dialLDAP}
}

// Authenticate performs either simple-bind or search+bind authentication
// and reports whether password is valid for username.
func (a *LDAPAuthenticator) Authenticate(cfg LDAPConfig, username, password string) error {
	if err := SanitizeLDAPUsername(username); err != nil {
		return err
	}
	if password == "" {
		// an empty password would make an unauthenticated ("anonymous")
		// bind succeed against most directories; always reject it (spec
		// §4.2 "ldap").
		return fmt.Errorf("%w: empty password rejected for ldap auth", poolerr.ErrAuthentication)
	}

	if cfg.SearchBind {
		return a.searchBind(cfg, username, password)
	}
	return a.simpleBind(cfg, username, password)
}

func (a *LDAPAuthenticator) simpleBind(cfg LDAPConfig, username, password string) error {
	conn, err := a.Dial(cfg.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	dn := cfg.Prefix + username + cfg.Suffix
	if err := conn.Bind(dn, password); err != nil {
		return fmt.Errorf("%w: ldap bind: %v", poolerr.ErrAuthentication, err)
	}
	return nil
}

func (a *LDAPAuthenticator) searchBind(cfg LDAPConfig, username, password string) error {
	conn, err := a.Dial(cfg.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Bind(cfg.BindDN, cfg.BindPasswd); err != nil {
		return fmt.Errorf("%w: ldap search bind dial-as: %v", poolerr.ErrAuthentication, err)
	}

	attr := cfg.SearchAttr
	if attr == "" {
		attr = "uid"
	}
	filter := cfg.SearchFilter
	if filter == "" {
		filter = fmt.Sprintf("(%s=%%s)", attr)
	}
	filter = strings.ReplaceAll(filter, "%s", ldap.EscapeFilter(username))

	req := ldap.NewSearchRequest(
		cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
		filter,
		[]string{"dn"},
		nil,
	)
	result, err := conn.Search(req)
	if err != nil {
		return fmt.Errorf("%w: ldap search: %v", poolerr.ErrAuthentication, err)
	}
	if len(result.Entries) != 1 {
		return fmt.Errorf("%w: ldap search did not find exactly one entry", poolerr.ErrAuthentication)
	}

	userDN := result.Entries[0].DN
	if err := conn.Bind(userDN, password); err != nil {
		return fmt.Errorf("%w: ldap rebind as user: %v", poolerr.ErrAuthentication, err)
	}
	return nil
}
