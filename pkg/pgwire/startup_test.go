package pgwire

import (
	"bufio"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()
	server, client = net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	return
}

func TestReceiveStartupMessagePassesThroughStartup(t *testing.T) {
	server, client := pipePair(t)
	backend := pgproto3.NewBackend(bufio.NewReader(server), server)

	go func() {
		fe := pgproto3.NewFrontend(bufio.NewReader(client), client)
		_ = fe.Send(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{"user": "alice"}})
	}()

	msg, err := ReceiveStartupMessage(backend, server)
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.Parameters["user"])
}

func TestReceiveStartupMessageDeclinesSSLThenReadsStartup(t *testing.T) {
	server, client := pipePair(t)
	backend := pgproto3.NewBackend(bufio.NewReader(server), server)

	go func() {
		fe := pgproto3.NewFrontend(bufio.NewReader(client), client)
		_ = fe.Send(&pgproto3.SSLRequest{})
		reply := make([]byte, 1)
		_, _ = client.Read(reply)
		_ = fe.Send(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{"user": "bob"}})
	}()

	msg, err := ReceiveStartupMessage(backend, server)
	require.NoError(t, err)
	assert.Equal(t, "bob", msg.Parameters["user"])
}

func TestReceiveStartupMessageRejectsCancelRequest(t *testing.T) {
	server, client := pipePair(t)
	backend := pgproto3.NewBackend(bufio.NewReader(server), server)

	go func() {
		fe := pgproto3.NewFrontend(bufio.NewReader(client), client)
		_ = fe.Send(&pgproto3.CancelRequest{ProcessID: 1, SecretKey: 2})
	}()

	_, err := ReceiveStartupMessage(backend, server)
	assert.Error(t, err)
}
