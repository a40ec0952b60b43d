package oauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2id parameters. Memory is in KiB.
const (
	hashMemory      = 64 * 1024
	hashTime        = 3
	hashParallelism = 2
	hashKeyLen      = 32
	hashSaltLen     = 16
)

// HashSecret returns a PHC-format argon2id digest with a fresh random
// salt: $argon2id$v=19$m=...,t=...,p=...$<saltB64>$<keyB64>
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("empty secret")
	}

	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, hashTime, hashMemory, hashParallelism, hashKeyLen)

	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		hashMemory, hashTime, hashParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifySecret reports whether secret matches the digest. It never
// errors: malformed digests compare as false.
func VerifySecret(secret, digest string) bool {
	parts := strings.Split(digest, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" || parts[2] != "v=19" {
		return false
	}

	var m, t uint32

	var p uint8

	if n, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil || n != 3 {
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}

	stored, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(stored) == 0 {
		return false
	}

	key := argon2.IDKey([]byte(secret), salt, t, m, p, uint32(len(stored)))

	return subtle.ConstantTimeCompare(key, stored) == 1
}
