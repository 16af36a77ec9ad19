// Package pgwire holds the low-level Postgres wire-protocol helpers shared
// by the Authentication Gate and by anything else that needs to speak the
// frontend/backend startup handshake, kept separate from
// pkg/auth so the HBA/credential policy logic there never has to think
// about SSLRequest negotiation or frame plumbing directly.
package pgwire

import (
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/relaypool/relaypool/pkg/poolerr"
)

// ReceiveStartupMessage reads the first message a connecting frontend
// sends, declining any SSLRequest negotiation with 'N' (TLS termination,
// when configured, happens at the listener rather than being renegotiated
// here) until the real StartupMessage arrives.
func ReceiveStartupMessage(backend *pgproto3.Backend, conn net.Conn) (*pgproto3.StartupMessage, error) {
	msg, err := backend.ReceiveStartupMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: receive startup message: %v", poolerr.ErrProtocol, err)
	}

	switch m := msg.(type) {
	case *pgproto3.StartupMessage:
		return m, nil
	case *pgproto3.SSLRequest:
		if _, err := conn.Write([]byte{'N'}); err != nil {
			return nil, fmt.Errorf("%w: decline SSLRequest: %v", poolerr.ErrTransport, err)
		}
		return ReceiveStartupMessage(backend, conn)
	case *pgproto3.CancelRequest:
		return nil, fmt.Errorf("%w: cancel request is not a session startup", poolerr.ErrProtocol)
	default:
		return nil, fmt.Errorf("%w: unexpected startup message type %T", poolerr.ErrProtocol, msg)
	}
}

// SendFatal writes a FATAL ErrorResponse, the standard way to end a
// frontend connection that failed authentication or startup negotiation.
func SendFatal(backend *pgproto3.Backend, code, message string) {
	_ = backend.Send(&pgproto3.ErrorResponse{
		Severity: "FATAL",
		Code:     code,
		Message:  message,
	})
}

// SendAuthenticatedReady completes a successful handshake: AuthenticationOk
// followed by ReadyForQuery, handing the connection to the session worker.
func SendAuthenticatedReady(backend *pgproto3.Backend) error {
	if err := backend.Send(&pgproto3.AuthenticationOk{}); err != nil {
		return fmt.Errorf("%w: send AuthenticationOk: %v", poolerr.ErrTransport, err)
	}
	if err := backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'}); err != nil {
		return fmt.Errorf("%w: send ReadyForQuery: %v", poolerr.ErrTransport, err)
	}
	return nil
}

// RemoteIP extracts the client IP address from conn, or nil for a
// non-TCP/unix-domain-socket connection (used for HBA address matching).
func RemoteIP(conn net.Conn) net.IP {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
