package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"golang.org/x/crypto/pbkdf2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSCRAMSecretRoundTrip(t *testing.T) {
	salt := []byte("0123456789abcdef")
	secret := DeriveSCRAMSecret("hunter2", 4096, salt)

	encoded := "SCRAM-SHA-256$" +
		"4096:" + b64(salt) + "$" +
		b64(secret.StoredKey) + ":" + b64(secret.ServerKey)

	parsed, err := ParseSCRAMSecret(encoded)
	require.NoError(t, err)
	assert.Equal(t, secret.Iterations, parsed.Iterations)
	assert.Equal(t, secret.Salt, parsed.Salt)
	assert.Equal(t, secret.StoredKey, parsed.StoredKey)
	assert.Equal(t, secret.ServerKey, parsed.ServerKey)
}

func TestParseSCRAMSecretRejectsMalformed(t *testing.T) {
	_, err := ParseSCRAMSecret("not-a-scram-secret")
	assert.Error(t, err)
}

func TestVerifyClientProofAndServerSignature(t *testing.T) {
	salt := []byte("saltsaltsalt")
	secret := DeriveSCRAMSecret("hunter2", 4096, salt)
	authMessage := []byte("client-first-bare,server-first,client-final-without-proof")

	saltedPassword := pbkdf2.Key([]byte("hunter2"), salt, 4096, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	clientSignature := hmacSHA256(secret.StoredKey, authMessage)
	proof := make([]byte, len(clientKey))
	for i := range proof {
		proof[i] = clientKey[i] ^ clientSignature[i]
	}

	assert.True(t, VerifyClientProof(secret, authMessage, proof))

	wrongProof := append([]byte(nil), proof...)
	wrongProof[0] ^= 0xFF
	assert.False(t, VerifyClientProof(secret, authMessage, wrongProof))

	sig := ServerSignature(secret, authMessage)
	assert.Len(t, sig, 32)
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
