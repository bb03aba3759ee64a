package project

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
)

const (
	keyIDBytes     = 4  // 8 hex chars
	keySecretBytes = 16 // 32 hex chars
	keyPrefixLen   = 20 // human-readable identification prefix
	minKeyLength   = 32
)

// mintKey generates a plaintext API key {project_id}_{key_id}_{secret} and
// its stored record. The plaintext leaves this function exactly once.
func mintKey(projectID string, now time.Time) (plaintext string, key APIKey, err error) {
	idBuf := make([]byte, keyIDBytes)
	if _, err = rand.Read(idBuf); err != nil {
		return "", APIKey{}, apierr.Wrap(apierr.KindInternal, err, "failed to generate key id")
	}
	secretBuf := make([]byte, keySecretBytes)
	if _, err = rand.Read(secretBuf); err != nil {
		return "", APIKey{}, apierr.Wrap(apierr.KindInternal, err, "failed to generate key secret")
	}

	keyID := hex.EncodeToString(idBuf)
	secret := hex.EncodeToString(secretBuf)
	plaintext = projectID + "_" + keyID + "_" + secret

	key = APIKey{
		KeyID:     keyID,
		Hash:      hashKey(plaintext),
		Prefix:    keyPrefix(plaintext),
		CreatedAt: now,
		Active:    true,
	}
	return plaintext, key, nil
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func keyPrefix(plaintext string) string {
	if len(plaintext) <= keyPrefixLen {
		return plaintext
	}
	return plaintext[:keyPrefixLen]
}

// ParseKeyProjectID extracts the project slug from a plaintext API key.
// Keys have at least three underscore-separated parts and the slug portion
// must be purely alphanumeric (underscores are the field separator).
func ParseKeyProjectID(plaintext string) (string, error) {
	if len(plaintext) < minKeyLength {
		return "", apierr.New(apierr.KindInvalidInput, "API key too short")
	}
	parts := strings.SplitN(plaintext, "_", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", apierr.New(apierr.KindInvalidInput, "API key must have form {project_id}_{key_id}_{secret}")
	}
	if !isAlnum(parts[0]) {
		return "", apierr.New(apierr.KindInvalidInput, "API key project prefix must be alphanumeric")
	}
	return parts[0], nil
}

func isAlnum(s string) bool {
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return s != ""
}
