// Package apikeyhash hashes the admin credential with bcrypt. Metered API
// keys are looked up by their cleartext value (pkg/keystore indexes them
// directly, the way the teacher indexes personal-access tokens by a SHA-256
// digest) but the single admin secret is a password in spirit, so it gets
// the stronger, deliberately-slow primitive the teacher reserves for local
// admin passwords.
package apikeyhash

import "golang.org/x/crypto/bcrypt"

// Hash returns the bcrypt digest of secret.
func Hash(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify reports whether secret matches the bcrypt digest hash.
func Verify(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
