package auth

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/relaypool/relaypool/pkg/poolerr"
	"github.com/relaypool/relaypool/pkg/types"
)

// PasswordStore is the loaded user/password store. Lines are "username:secret[ backend-mapping]"
// with secret optionally prefixed "md5", "SCRAM-SHA-256$...", "AES", or
// "TEXT" to disambiguate encoding.
type PasswordStore struct {
	entries map[string]types.PasswordEntry
	aesKey  []byte // derived once at load time if any AES entries are present
}

// pbkdf2Iterations and keyLen follow the convention of deriving a 256-bit
// AES key from the pool key file via PBKDF2-HMAC-SHA256 with a fixed salt
// tied to the pool installation, so the same key file always yields the
// same key.
const (
	pbkdf2Iterations = 210000
	aesKeyLen        = 32
)

// LoadPasswordStore parses a password store file. keyFile, if non-empty, is
// read to derive the AES key for "AES"-prefixed secrets; it is optional when
// no such secrets are present.
func LoadPasswordStore(path, keyFile string) (*PasswordStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read password file: %v", poolerr.ErrConfig, err)
	}

	store := &PasswordStore{entries: map[string]types.PasswordEntry{}}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parsePasswordLine(line)
		if err != nil {
			return nil, err
		}
		store.entries[entry.User] = entry
	}

	if keyFile != "" {
		key, err := deriveAESKey(keyFile)
		if err != nil {
			return nil, err
		}
		store.aesKey = key
	}

	return store, nil
}

func parsePasswordLine(line string) (types.PasswordEntry, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return types.PasswordEntry{}, fmt.Errorf("%w: empty password line", poolerr.ErrConfig)
	}

	userSecret := strings.SplitN(fields[0], ":", 2)
	if len(userSecret) != 2 {
		return types.PasswordEntry{}, fmt.Errorf("%w: malformed password line %q", poolerr.ErrConfig, line)
	}

	entry := types.PasswordEntry{User: userSecret[0]}
	entry.Encoding, entry.Secret = classifySecret(userSecret[1])

	if len(fields) > 1 {
		mapping := strings.SplitN(fields[1], ":", 2)
		if len(mapping) == 2 {
			entry.HasBackendMap = true
			entry.BackendUser = mapping[0]
			entry.BackendSecret = mapping[1]
		}
	}

	return entry, nil
}

func classifySecret(raw string) (types.PasswordEncoding, string) {
	switch {
	case strings.HasPrefix(raw, "md5"):
		return types.SecretMD5, strings.TrimPrefix(raw, "md5")
	case strings.HasPrefix(raw, "SCRAM-SHA-256$"):
		return types.SecretSCRAMSHA256, raw
	case strings.HasPrefix(raw, "AES"):
		return types.SecretAES, strings.TrimPrefix(raw, "AES")
	case strings.HasPrefix(raw, "TEXT"):
		return types.SecretCleartext, strings.TrimPrefix(raw, "TEXT")
	default:
		return types.SecretCleartext, raw
	}
}

// Lookup returns the stored entry for username, decrypting an AES-encoded
// secret into cleartext first.
func (s *PasswordStore) Lookup(username string) (types.PasswordEntry, bool, error) {
	entry, ok := s.entries[username]
	if !ok {
		return types.PasswordEntry{}, false, nil
	}
	if entry.Encoding == types.SecretAES {
		plain, err := s.decryptAES(entry.Secret)
		if err != nil {
			return types.PasswordEntry{}, false, err
		}
		entry.Encoding = types.SecretCleartext
		entry.Secret = plain
	}
	return entry, true, nil
}

// decryptAES reverses AES-256-CBC encryption of a hex-encoded
// iv||ciphertext blob, matching the layout pgpool writes for "AES"
// passwords.
func (s *PasswordStore) decryptAES(hexBlob string) (string, error) {
	if len(s.aesKey) == 0 {
		return "", fmt.Errorf("%w: AES password present but no pool key file configured", poolerr.ErrConfig)
	}

	blob, err := hex.DecodeString(hexBlob)
	if err != nil {
		return "", fmt.Errorf("%w: decode AES password: %v", poolerr.ErrConfig, err)
	}
	if len(blob) < aes.BlockSize {
		return "", fmt.Errorf("%w: AES password ciphertext too short", poolerr.ErrConfig)
	}

	iv, ciphertext := blob[:aes.BlockSize], blob[aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: AES password ciphertext not block-aligned", poolerr.ErrConfig)
	}

	block, err := aes.NewCipher(s.aesKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", poolerr.ErrConfig, err)
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return "", fmt.Errorf("%w: unpad AES password: %v", poolerr.ErrConfig, err)
	}
	return string(plain), nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	return data[:len(data)-pad], nil
}

// deriveAESKey reads the pool key file and derives a 256-bit AES key from
// its contents via PBKDF2-HMAC-SHA256, with the key file's own SHA-256
// digest as salt so the derivation is deterministic per installation
// without storing a separate salt file.
func deriveAESKey(keyFile string) ([]byte, error) {
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read pool key file: %v", poolerr.ErrConfig, err)
	}
	salt := sha256.Sum256(raw)
	return pbkdf2.Key(raw, salt[:], pbkdf2Iterations, aesKeyLen, sha256.New), nil
}
