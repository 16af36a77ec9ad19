package pcp

import (
	"bufio"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/relaypool/relaypool/pkg/poolerr"
)

// UserFile is the PCP authentication file: one "user:md5hex" entry per
// line, '#' starts a comment.
type UserFile struct {
	entries map[string]string
}

// LoadUserFile reads path into a UserFile.
func LoadUserFile(path string) (*UserFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open pcp user file: %v", poolerr.ErrConfig, err)
	}
	defer f.Close()

	uf := &UserFile{entries: map[string]string{}}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, secret, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed pcp user file line %q", poolerr.ErrConfig, line)
		}
		uf.entries[user] = secret
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read pcp user file: %v", poolerr.ErrConfig, err)
	}
	return uf, nil
}

// NewSalt produces the 4-byte random challenge the server sends in reply to
// ToSSalt.
func NewSalt() ([4]byte, error) {
	var salt [4]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return salt, fmt.Errorf("%w: pcp salt generation: %v", poolerr.ErrFatal, err)
	}
	return salt, nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Challenge computes the response the client must present:
// hex(md5(hex(md5(password||user))||salt)).
func Challenge(username, password string, salt [4]byte) string {
	inner := md5Hex(password + username)
	return md5Hex(inner + string(salt[:]))
}

// Verify checks a client-presented response against the stored secret. A
// "md5"-prefixed entry already holds hex(md5(password||user)); a bare entry
// is the cleartext password, hashed the same way before salting.
func (uf *UserFile) Verify(username, response string, salt [4]byte) bool {
	stored, ok := uf.entries[username]
	if !ok {
		return false
	}
	inner, hasPrefix := strings.CutPrefix(stored, "md5")
	if !hasPrefix {
		inner = md5Hex(stored + username)
	}
	return md5Hex(inner+string(salt[:])) == response
}
