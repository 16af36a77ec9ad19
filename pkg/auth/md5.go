// Package auth implements the Authentication Gate: HBA rule
// matching, the password store, and the concrete auth methods (md5,
// scram-sha-256, cert, pam, ldap, trust, password, reject).
package auth

import (
	"crypto/md5"
	"encoding/hex"
)

// md5Hex returns the 32-hex-digit MD5 digest of s, without any "md5"
// prefix.
func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// StoredMD5Secret computes the value stored in the password store for a
// cleartext password: hex md5(password || username), matching
// pg_md5_encrypt's input ordering in the original (auth/md5.c).
func StoredMD5Secret(password, username string) string {
	return md5Hex(password + username)
}

// MD5ChallengeResponse computes the response a client should send given the
// stored secret (the bare hex digest; an "md5" prefix must already be
// stripped, as the password store does) and the 4-byte
// server-generated salt: "md5" + hex md5(storedHex || salt), the original's
// "place salt at the end" composition (auth/md5.c pg_md5_encrypt).
func MD5ChallengeResponse(storedSecretHex string, salt [4]byte) string {
	return "md5" + md5Hex(storedSecretHex+string(salt[:]))
}

// VerifyMD5Response reports whether a client-supplied "md5..." response
// matches the expected response for storedSecretHex and salt.
func VerifyMD5Response(response, storedSecretHex string, salt [4]byte) bool {
	return response == MD5ChallengeResponse(storedSecretHex, salt)
}
