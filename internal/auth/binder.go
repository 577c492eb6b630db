// ABOUTME: Credential verification interface and the built-in bcrypt binder
// ABOUTME: Directory-service binders (LDAP) implement the same interface externally

package auth

import (
	"context"

	"golang.org/x/crypto/bcrypt"
)

// Binder verifies a username/password pair against some credential
// source. Implementations must not be consulted for locked-out pairs;
// the login service guarantees that.
type Binder interface {
	Bind(ctx context.Context, username, password string) (bool, error)
}

// LocalBinder verifies credentials against a static map of bcrypt
// hashes from the config file. It exists for standalone deployments and
// tests; production setups plug in a directory-backed Binder instead.
type LocalBinder struct {
	hashes map[string]string
}

// NewLocalBinder creates a binder from a username -> bcrypt hash map.
func NewLocalBinder(hashes map[string]string) *LocalBinder {
	return &LocalBinder{hashes: hashes}
}

// Bind reports whether the password matches the stored hash for username.
// Unknown usernames simply fail; they are not an error.
func (b *LocalBinder) Bind(_ context.Context, username, password string) (bool, error) {
	hash, ok := b.hashes[username]
	if !ok {
		return false, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// HashPassword produces a bcrypt hash suitable for the local_users config map.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
