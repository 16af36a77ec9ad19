package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/relaypool/relaypool/pkg/poolerr"
)

// SCRAMSecret holds the parsed "SCRAM-SHA-256$iterations:salt$storedKey:serverKey"
// verifier format Postgres stores, base64-encoded per field as Postgres writes it.
type SCRAMSecret struct {
	Iterations int
	Salt       []byte
	StoredKey  []byte
	ServerKey  []byte
}

// ParseSCRAMSecret decodes a "SCRAM-SHA-256$iterations:salt$storedKey:serverKey" string.
func ParseSCRAMSecret(raw string) (SCRAMSecret, error) {
	const prefix = "SCRAM-SHA-256$"
	if !strings.HasPrefix(raw, prefix) {
		return SCRAMSecret{}, fmt.Errorf("%w: not a SCRAM-SHA-256 secret", poolerr.ErrConfig)
	}
	body := strings.TrimPrefix(raw, prefix)

	parts := strings.SplitN(body, "$", 2)
	if len(parts) != 2 {
		return SCRAMSecret{}, fmt.Errorf("%w: malformed SCRAM secret", poolerr.ErrConfig)
	}

	iterSalt := strings.SplitN(parts[0], ":", 2)
	if len(iterSalt) != 2 {
		return SCRAMSecret{}, fmt.Errorf("%w: malformed SCRAM iteration/salt", poolerr.ErrConfig)
	}
	iterations, err := strconv.Atoi(iterSalt[0])
	if err != nil {
		return SCRAMSecret{}, fmt.Errorf("%w: malformed SCRAM iteration count: %v", poolerr.ErrConfig, err)
	}
	salt, err := base64.StdEncoding.DecodeString(iterSalt[1])
	if err != nil {
		return SCRAMSecret{}, fmt.Errorf("%w: malformed SCRAM salt: %v", poolerr.ErrConfig, err)
	}

	keys := strings.SplitN(parts[1], ":", 2)
	if len(keys) != 2 {
		return SCRAMSecret{}, fmt.Errorf("%w: malformed SCRAM keys", poolerr.ErrConfig)
	}
	storedKey, err := base64.StdEncoding.DecodeString(keys[0])
	if err != nil {
		return SCRAMSecret{}, fmt.Errorf("%w: malformed SCRAM stored key: %v", poolerr.ErrConfig, err)
	}
	serverKey, err := base64.StdEncoding.DecodeString(keys[1])
	if err != nil {
		return SCRAMSecret{}, fmt.Errorf("%w: malformed SCRAM server key: %v", poolerr.ErrConfig, err)
	}

	return SCRAMSecret{Iterations: iterations, Salt: salt, StoredKey: storedKey, ServerKey: serverKey}, nil
}

// DeriveSCRAMSecret computes a SCRAMSecret for a cleartext password, for
// tests and for pool administration tooling that writes new entries.
func DeriveSCRAMSecret(password string, iterations int, salt []byte) SCRAMSecret {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKeySum := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	return SCRAMSecret{
		Iterations: iterations,
		Salt:       append([]byte(nil), salt...),
		StoredKey:  storedKeySum[:],
		ServerKey:  append([]byte(nil), serverKey...),
	}
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// NewSCRAMNonce generates the server's contribution to the SCRAM nonce.
func NewSCRAMNonce() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: generate SCRAM nonce: %v", poolerr.ErrAuthentication, err)
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}

// VerifyClientProof checks a client's SCRAM client-final-message proof
// against the stored key, given the full auth message the server
// assembled (RFC 5802 client signature / proof XOR relationship).
func VerifyClientProof(secret SCRAMSecret, authMessage, clientProof []byte) bool {
	clientSignature := hmacSHA256(secret.StoredKey, authMessage)
	if len(clientSignature) != len(clientProof) {
		return false
	}
	clientKey := make([]byte, len(clientProof))
	for i := range clientKey {
		clientKey[i] = clientProof[i] ^ clientSignature[i]
	}
	sum := sha256.Sum256(clientKey)
	return hmac.Equal(sum[:], secret.StoredKey)
}

// ServerSignature computes the server's final-message signature proving
// knowledge of the server key, sent back to the client after a successful
// proof check.
func ServerSignature(secret SCRAMSecret, authMessage []byte) []byte {
	return hmacSHA256(secret.ServerKey, authMessage)
}
