package auth

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/types"
)

// runSCRAM drives one SCRAM-SHA-256 SASL exchange (RFC 5802, RFC 5803's
// postgres wire framing) against role's stored verifier.
func (g *Gate) runSCRAM(backend *pgproto3.Backend, role string) error {
	entry, ok, err := g.Password.Lookup(role)
	if err != nil {
		return err
	}
	if !ok || entry.Encoding != types.SecretSCRAMSHA256 {
		return fmt.Errorf("%w: scram-sha-256 auth requires a SCRAM-SHA-256 secret", poolerr.ErrConfig)
	}
	secret, err := ParseSCRAMSecret(entry.Secret)
	if err != nil {
		return err
	}

	if err := backend.Send(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}}); err != nil {
		return fmt.Errorf("%w: send AuthenticationSASL: %v", poolerr.ErrTransport, err)
	}

	initial, err := backend.Receive()
	if err != nil {
		return fmt.Errorf("%w: receive SASLInitialResponse: %v", poolerr.ErrTransport, err)
	}
	initMsg, ok := initial.(*pgproto3.SASLInitialResponse)
	if !ok || initMsg.AuthMechanism != "SCRAM-SHA-256" {
		return fmt.Errorf("%w: expected SCRAM-SHA-256 SASLInitialResponse", poolerr.ErrProtocol)
	}

	clientFirstBare, err := stripGS2Header(string(initMsg.Data))
	if err != nil {
		return err
	}
	clientNonce, err := scramAttr(clientFirstBare, 'r')
	if err != nil {
		return err
	}

	serverNonceSuffix, err := NewSCRAMNonce()
	if err != nil {
		return err
	}
	serverNonce := clientNonce + serverNonceSuffix
	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d",
		serverNonce, base64.StdEncoding.EncodeToString(secret.Salt), secret.Iterations)

	if err := backend.Send(&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)}); err != nil {
		return fmt.Errorf("%w: send AuthenticationSASLContinue: %v", poolerr.ErrTransport, err)
	}

	final, err := backend.Receive()
	if err != nil {
		return fmt.Errorf("%w: receive SASLResponse: %v", poolerr.ErrTransport, err)
	}
	finalMsg, ok := final.(*pgproto3.SASLResponse)
	if !ok {
		return fmt.Errorf("%w: expected SASLResponse", poolerr.ErrProtocol)
	}

	clientFinalWithoutProof, proofB64, err := splitClientFinal(string(finalMsg.Data))
	if err != nil {
		return err
	}
	gotNonce, err := scramAttr(clientFinalWithoutProof, 'r')
	if err != nil {
		return err
	}
	if gotNonce != serverNonce {
		return fmt.Errorf("%w: scram nonce mismatch", poolerr.ErrAuthentication)
	}

	proof, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return fmt.Errorf("%w: malformed scram client proof: %v", poolerr.ErrAuthentication, err)
	}

	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
	if !VerifyClientProof(secret, []byte(authMessage), proof) {
		return fmt.Errorf("%w: scram client proof verification failed", poolerr.ErrAuthentication)
	}

	signature := ServerSignature(secret, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(signature)
	if err := backend.Send(&pgproto3.AuthenticationSASLFinal{Data: []byte(serverFinal)}); err != nil {
		return fmt.Errorf("%w: send AuthenticationSASLFinal: %v", poolerr.ErrTransport, err)
	}

	return nil
}

// stripGS2Header removes the "n,,"/"n,a=...," GS2 channel-binding header a
// client-first-message begins with, returning the bare attribute list.
func stripGS2Header(clientFirst string) (string, error) {
	idx := strings.Index(clientFirst, "n=")
	if idx < 0 {
		return "", fmt.Errorf("%w: malformed scram client-first-message", poolerr.ErrProtocol)
	}
	return clientFirst[idx:], nil
}

func splitClientFinal(clientFinal string) (withoutProof string, proof string, err error) {
	idx := strings.LastIndex(clientFinal, ",p=")
	if idx < 0 {
		return "", "", fmt.Errorf("%w: malformed scram client-final-message", poolerr.ErrProtocol)
	}
	return clientFinal[:idx], clientFinal[idx+3:], nil
}

// scramAttr extracts the value of a single-letter comma-separated
// attribute ("r=...", "s=...") from a SCRAM message fragment.
func scramAttr(msg string, key byte) (string, error) {
	for _, part := range strings.Split(msg, ",") {
		if len(part) > 1 && part[0] == key && part[1] == '=' {
			return part[2:], nil
		}
	}
	return "", fmt.Errorf("%w: scram attribute %q not found", poolerr.ErrProtocol, strconv.QuoteRune(rune(key)))
}
