package auth

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Cost for agent key hashes. Keys are checked on every agent request, so
// this stays at the library default rather than an interactive-login cost.
const agentKeyBcryptCost = bcrypt.DefaultCost

// GenerateAgentKey mints a new agent key for the user. The plaintext is
// returned exactly once; only the bcrypt hash of the secret is stored.
func GenerateAgentKey(userID string) (plaintext, hash string, err error) {
	secret := strings.ReplaceAll(uuid.New().String(), "-", "")

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(secret), agentKeyBcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash agent key: %w", err)
	}

	return userID + "." + secret, string(hashBytes), nil
}

// SplitAgentKey separates the user id from the secret. Keys look like
// "<user id>.<secret>"; splitting on the last dot keeps ids containing
// dots working.
func SplitAgentKey(key string) (userID, secret string, ok bool) {
	idx := strings.LastIndex(key, ".")
	if idx <= 0 || idx == len(key)-1 {
		return "", "", false
	}
	return key[:idx], key[idx+1:], true
}

// VerifyAgentKey compares a presented secret against the stored hash
func VerifyAgentKey(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
