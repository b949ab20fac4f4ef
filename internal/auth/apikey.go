// Package auth provides API key authentication for the meltscan API server.
// Keys are generated locally and stored only as bcrypt hashes; the server
// verifies presented keys against the hash list from the configuration file.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// API key generation and validation constants.
const (
	// APIKeyLength is the length of the random part of an API key
	APIKeyLength = 32
	// APIKeyPrefix is the standard prefix for all API keys
	APIKeyPrefix = "mk"

	// BcryptCost balances hashing cost against request latency
	BcryptCost = 12
	// BcryptMaxInputLength is the maximum input length for bcrypt (72 bytes)
	BcryptMaxInputLength = 72

	displayPrefixChars = 8
)

// GeneratedKey contains a newly generated API key. The plain key is shown
// once; only the hash belongs in the configuration file.
type GeneratedKey struct {
	Key     string `json:"key"`
	Hash    string `json:"hash"`
	Display string `json:"display"`
}

// GenerateKey creates a new random API key together with its bcrypt hash.
func GenerateKey() (*GeneratedKey, error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// Base32 avoids ambiguous characters in keys that get copied by hand.
	randomPart := strings.ToLower(base32.StdEncoding.EncodeToString(randomBytes))
	if len(randomPart) > APIKeyLength {
		randomPart = randomPart[:APIKeyLength]
	}

	key := fmt.Sprintf("%s_%s", APIKeyPrefix, randomPart)
	hash, err := HashKey(key)
	if err != nil {
		return nil, err
	}

	return &GeneratedKey{
		Key:     key,
		Hash:    hash,
		Display: DisplayPrefix(key),
	}, nil
}

// HashKey creates a bcrypt hash of an API key for storage.
func HashKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("API key cannot be empty")
	}

	// bcrypt has a 72-byte limit, so longer keys are first hashed with SHA-256.
	keyBytes := []byte(key)
	if len(keyBytes) > BcryptMaxInputLength {
		sum := sha256.Sum256(keyBytes)
		keyBytes = sum[:]
	}

	hash, err := bcrypt.GenerateFromPassword(keyBytes, BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// VerifyKey checks a presented API key against a stored hash.
func VerifyKey(key, storedHash string) bool {
	if key == "" || storedHash == "" {
		return false
	}

	// Same pre-processing as HashKey.
	keyBytes := []byte(key)
	if len(keyBytes) > BcryptMaxInputLength {
		sum := sha256.Sum256(keyBytes)
		keyBytes = sum[:]
	}

	return bcrypt.CompareHashAndPassword([]byte(storedHash), keyBytes) == nil
}

// IsValidKeyFormat checks whether a string has the shape of an API key.
func IsValidKeyFormat(key string) bool {
	if !strings.HasPrefix(key, APIKeyPrefix+"_") {
		return false
	}
	if len(key) < 15 || len(key) > 50 {
		return false
	}
	for _, char := range key {
		if (char < 'a' || char > 'z') &&
			(char < 'A' || char > 'Z') &&
			(char < '0' || char > '9') &&
			char != '_' {
			return false
		}
	}
	return true
}

// DisplayPrefix returns a safe-to-log prefix of a full API key.
func DisplayPrefix(key string) string {
	if !IsValidKeyFormat(key) {
		return "invalid_key"
	}

	parts := strings.SplitN(key, "_", 2)
	random := parts[1]
	if len(random) > displayPrefixChars {
		random = random[:displayPrefixChars]
	}
	return fmt.Sprintf("%s_%s...", parts[0], random)
}

// Keyring verifies presented API keys against a set of stored hashes.
type Keyring struct {
	hashes []string
}

// NewKeyring creates a keyring from bcrypt hashes, usually the configured
// api_keys list.
func NewKeyring(hashes []string) *Keyring {
	kept := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h != "" {
			kept = append(kept, h)
		}
	}
	return &Keyring{hashes: kept}
}

// Empty reports whether the keyring holds no hashes.
func (k *Keyring) Empty() bool {
	return len(k.hashes) == 0
}

// Verify reports whether the presented key matches any stored hash. The
// format check runs first so obviously malformed input skips the bcrypt work.
func (k *Keyring) Verify(key string) bool {
	if !IsValidKeyFormat(key) {
		return false
	}
	for _, hash := range k.hashes {
		if VerifyKey(key, hash) {
			return true
		}
	}
	return false
}
