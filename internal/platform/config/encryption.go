package config

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	pbkdf2KeyLen     = 32
)

var defaultSalt = []byte("scraperd-settings-encryption-v1")

// DeriveEncryptionKey derives a 32-byte key from a passphrase using
// PBKDF2-HMAC-SHA256 with 480k iterations, matching spec.md §6's
// "Fernet-compatible or passphrase derived via PBKDF2-HMAC-SHA256, 480k
// iterations" requirement. A caller-supplied salt is used when rotating
// keys; nil falls back to the package default so a single environment
// variable is sufficient to reproduce the same key across processes.
func DeriveEncryptionKey(passphrase string, salt []byte) []byte {
	if len(salt) == 0 {
		salt = defaultSalt
	}
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)
}
