// Package credentials generates instance secrets and derives the admin keys
// the backend accepts on its privileged HTTP endpoints.
package credentials

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/giantswarm/backendenv/internal/sentinel"
)

// ErrPartialCredentials is returned when exactly one of secret and admin key
// is supplied. The pair is only valid together; generating the missing half
// would silently break the derivation contract.
const ErrPartialCredentials = sentinel.Error("secret and admin key must be supplied together")

// secretBytes is the entropy of a generated instance secret.
const secretBytes = 32

// Deriver computes an admin key from an instance name and secret. The
// derivation is a contract with the backend executable: the key presented on
// privileged calls must match what the backend derives from the same name
// and secret. DeriveAdminKey is the default; callers integrating against a
// backend with a different scheme supply their own.
type Deriver func(name, secret string) string

// Pair holds the credentials of one instance. AdminKey is always consistent
// with Name and Secret: either all three were supplied by the caller, or
// AdminKey was derived from the other two.
type Pair struct {
	Secret   string
	AdminKey string
}

// GenerateSecret returns a fresh high-entropy secret, URL-safe so it can be
// passed on a command line and embedded in headers without escaping.
func GenerateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// DeriveAdminKey is the default admin key derivation: the instance name,
// a separator, and the hex HMAC-SHA256 of the name keyed by the secret.
// Embedding the name lets the backend identify the instance before
// verifying the MAC.
func DeriveAdminKey(name, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(name))
	return name + "|" + hex.EncodeToString(mac.Sum(nil))
}

// EnsurePair returns the credentials for an instance. Caller-supplied
// credentials are never overwritten: when both secret and adminKey are
// given they are returned as-is, bypassing generation and derivation
// entirely. When neither is given, a secret is generated and the key
// derived with derive (DeriveAdminKey if nil). Supplying only one of the
// two is rejected with ErrPartialCredentials.
func EnsurePair(name, secret, adminKey string, derive Deriver) (Pair, error) {
	if secret != "" && adminKey != "" {
		return Pair{Secret: secret, AdminKey: adminKey}, nil
	}
	if secret != "" || adminKey != "" {
		return Pair{}, ErrPartialCredentials
	}

	generated, err := GenerateSecret()
	if err != nil {
		return Pair{}, fmt.Errorf("generate instance secret: %w", err)
	}
	if derive == nil {
		derive = DeriveAdminKey
	}
	return Pair{Secret: generated, AdminKey: derive(name, generated)}, nil
}
