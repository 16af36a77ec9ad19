package auth

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/relaypool/relaypool/pkg/log"
	"github.com/relaypool/relaypool/pkg/pgwire"
	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/types"
)

// Gate is the Authentication Gate: it owns the HBA table and
// password store and decides, for every inbound frontend connection,
// whether to proceed to session assignment or reject the client. The
// original does this inline in ClientAuthentication (auth/pool_hba.c); this
// rewrite isolates it behind a single entry point the Supervisor's
// connection-accept loop calls before handing a socket to a session worker.
type Gate struct {
	HBA      *HBATable
	Password *PasswordStore
	Resolver Resolver
	LDAP     *LDAPAuthenticator

	// AuthCert always compares the leaf certificate's CommonName against
	// the role name; no other certificate field is consulted.
}

// Result carries the outcome of a successful gate decision.
type Result struct {
	Database string
	Role     string
	Method   types.AuthMethod
}

// Authenticate runs one frontend connection through startup-message
// parsing, HBA matching, and the selected auth method, replying over conn
// itself. It returns the matched database/role on success.
func (g *Gate) Authenticate(ctx context.Context, conn net.Conn) (Result, error) {
	backend := pgproto3.NewBackend(bufio.NewReader(conn), conn)

	startup, err := pgwire.ReceiveStartupMessage(backend, conn)
	if err != nil {
		return Result{}, err
	}

	database := startup.Parameters["database"]
	if database == "" {
		database = startup.Parameters["user"]
	}
	role := startup.Parameters["user"]

	connType := types.ConnHost
	if _, isTLS := conn.(*tls.Conn); isTLS {
		connType = types.ConnHostSSL
	}
	if _, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err != nil {
		connType = types.ConnLocal
	}

	addr := pgwire.RemoteIP(conn)
	method, rule := g.HBA.Match(ctx, ConnInfo{Type: connType, Addr: addr, Database: database, Role: role}, g.Resolver)

	logger := log.WithComponent("auth").With().Str("database", database).Str("role", role).Logger()

	if err := g.runMethod(ctx, backend, conn, method, rule, role); err != nil {
		logger.Warn().Err(err).Str("method", string(method)).Msg("authentication rejected")
		pgwire.SendFatal(backend, "28000", "authentication failed")
		return Result{}, err
	}

	if err := pgwire.SendAuthenticatedReady(backend); err != nil {
		return Result{}, err
	}

	logger.Info().Str("method", string(method)).Msg("client authenticated")
	return Result{Database: database, Role: role, Method: method}, nil
}

func (g *Gate) runMethod(ctx context.Context, backend *pgproto3.Backend, conn net.Conn, method types.AuthMethod, rule *types.HBARule, role string) error {
	switch method {
	case types.AuthTrust:
		return nil

	case types.AuthReject, types.AuthImplicitReject:
		return fmt.Errorf("%w: no matching HBA rule allows this connection", poolerr.ErrAuthentication)

	case types.AuthPassword:
		password, err := g.promptCleartext(backend)
		if err != nil {
			return err
		}
		return g.verifyCleartext(role, password)

	case types.AuthMD5:
		return g.runMD5(backend, role)

	case types.AuthCert:
		return g.verifyCert(conn, role)

	case types.AuthLDAP:
		password, err := g.promptCleartext(backend)
		if err != nil {
			return err
		}
		if g.LDAP == nil {
			return fmt.Errorf("%w: ldap auth requested but no LDAP authenticator configured", poolerr.ErrConfig)
		}
		return g.LDAP.Authenticate(ldapConfigFromRule(rule), role, password)

	case types.AuthPAM:
		return fmt.Errorf("%w: pam authentication is not supported by this build", poolerr.ErrAuthentication)

	case types.AuthSCRAMSHA256:
		return g.runSCRAM(backend, role)

	default:
		return fmt.Errorf("%w: unknown auth method %q", poolerr.ErrConfig, method)
	}
}

func (g *Gate) promptCleartext(backend *pgproto3.Backend) (string, error) {
	if err := backend.Send(&pgproto3.AuthenticationCleartextPassword{}); err != nil {
		return "", fmt.Errorf("%w: send AuthenticationCleartextPassword: %v", poolerr.ErrTransport, err)
	}
	msg, err := backend.Receive()
	if err != nil {
		return "", fmt.Errorf("%w: receive PasswordMessage: %v", poolerr.ErrTransport, err)
	}
	pm, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return "", fmt.Errorf("%w: expected PasswordMessage, got %T", poolerr.ErrProtocol, msg)
	}
	return pm.Password, nil
}

func (g *Gate) verifyCleartext(role, password string) error {
	entry, ok, err := g.Password.Lookup(role)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no password store entry for role %q", poolerr.ErrAuthentication, role)
	}
	var expected string
	switch entry.Encoding {
	case types.SecretCleartext:
		expected = entry.Secret
	case types.SecretMD5:
		expected = entry.Secret // entry.Secret already holds the cleartext equivalent md5 digest form
	default:
		return fmt.Errorf("%w: password auth requires a cleartext or md5 secret", poolerr.ErrConfig)
	}
	if entry.Encoding == types.SecretMD5 {
		if StoredMD5Secret(password, role) != expected {
			return fmt.Errorf("%w: password mismatch", poolerr.ErrAuthentication)
		}
		return nil
	}
	if password != expected {
		return fmt.Errorf("%w: password mismatch", poolerr.ErrAuthentication)
	}
	return nil
}

func (g *Gate) runMD5(backend *pgproto3.Backend, role string) error {
	entry, ok, err := g.Password.Lookup(role)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no password store entry for role %q", poolerr.ErrAuthentication, role)
	}
	if entry.Encoding != types.SecretMD5 && entry.Encoding != types.SecretCleartext {
		return fmt.Errorf("%w: md5 auth requires a md5 or cleartext secret", poolerr.ErrConfig)
	}

	stored := entry.Secret
	if entry.Encoding == types.SecretCleartext {
		stored = StoredMD5Secret(entry.Secret, role)
	}

	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return fmt.Errorf("%w: generate md5 salt: %v", poolerr.ErrAuthentication, err)
	}
	if err := backend.Send(&pgproto3.AuthenticationMD5Password{Salt: salt}); err != nil {
		return fmt.Errorf("%w: send AuthenticationMD5Password: %v", poolerr.ErrTransport, err)
	}

	msg, err := backend.Receive()
	if err != nil {
		return fmt.Errorf("%w: receive PasswordMessage: %v", poolerr.ErrTransport, err)
	}
	pm, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return fmt.Errorf("%w: expected PasswordMessage, got %T", poolerr.ErrProtocol, msg)
	}

	if !VerifyMD5Response(pm.Password, stored, salt) {
		return fmt.Errorf("%w: md5 response mismatch", poolerr.ErrAuthentication)
	}
	return nil
}

func (g *Gate) verifyCert(conn net.Conn, role string) error {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return fmt.Errorf("%w: cert auth requires a TLS connection", poolerr.ErrAuthentication)
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("%w: no client certificate presented", poolerr.ErrAuthentication)
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if cn != role {
		return fmt.Errorf("%w: certificate CN %q does not match role %q", poolerr.ErrAuthentication, cn, role)
	}
	return nil
}

func ldapConfigFromRule(rule *types.HBARule) LDAPConfig {
	if rule == nil {
		return LDAPConfig{}
	}
	opts := rule.Options
	cfg := LDAPConfig{
		URL:          opts["ldapurl"],
		Prefix:       opts["ldapprefix"],
		Suffix:       opts["ldapsuffix"],
		BaseDN:       opts["ldapbasedn"],
		BindDN:       opts["ldapbinddn"],
		BindPasswd:   opts["ldapbindpasswd"],
		SearchFilter: opts["ldapsearchfilter"],
		SearchAttr:   opts["ldapsearchattribute"],
	}
	if cfg.BaseDN != "" {
		cfg.SearchBind = true
	}
	return cfg
}

