package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoredMD5SecretAndChallengeRoundTrip(t *testing.T) {
	stored := StoredMD5Secret("hunter2", "alice")
	assert.Len(t, stored, 32)

	salt := [4]byte{1, 2, 3, 4}
	response := MD5ChallengeResponse(stored, salt)
	assert.True(t, response[:3] == "md5")
	assert.True(t, VerifyMD5Response(response, stored, salt))
}

func TestVerifyMD5ResponseRejectsWrongSalt(t *testing.T) {
	stored := StoredMD5Secret("hunter2", "alice")
	response := MD5ChallengeResponse(stored, [4]byte{1, 2, 3, 4})
	assert.False(t, VerifyMD5Response(response, stored, [4]byte{9, 9, 9, 9}))
}

func TestVerifyMD5ResponseRejectsWrongPassword(t *testing.T) {
	stored := StoredMD5Secret("hunter2", "alice")
	salt := [4]byte{1, 2, 3, 4}
	wrong := MD5ChallengeResponse(StoredMD5Secret("wrongpass", "alice"), salt)
	assert.False(t, VerifyMD5Response(wrong, stored, salt))
}
