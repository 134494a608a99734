// Package secrets resolves instance credential references at dial time.
//
// A credential is either a literal value or a reference:
//
//	env:NAME              process environment variable
//	file:/path/to/token   file contents, trimmed
//	keyring:service/user  OS keyring entry
//	sealed:v1:<data>      encrypted with the gateway master key (see Seal)
//
// Resolved values are never written back to the instance store.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is used when a keyring reference omits the service.
const DefaultKeyringService = "fleetgate.instances"

// ErrEmptyCredential is returned when a reference resolves to an empty value.
var ErrEmptyCredential = errors.New("credential resolved to an empty value")

// Resolve turns a credential reference into its secret value.
// An empty reference resolves to "" without error (anonymous instance).
func Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}
	switch strings.ToLower(scheme) {
	case "env":
		v := strings.TrimSpace(os.Getenv(rest))
		if v == "" {
			return "", fmt.Errorf("credential env:%s: %w", rest, ErrEmptyCredential)
		}
		return v, nil
	case "file":
		data, err := os.ReadFile(rest)
		if err != nil {
			return "", fmt.Errorf("credential file: %w", err)
		}
		v := strings.TrimSpace(string(data))
		if v == "" {
			return "", fmt.Errorf("credential file:%s: %w", rest, ErrEmptyCredential)
		}
		return v, nil
	case "sealed":
		v, err := openSealed(ref)
		if err != nil {
			return "", fmt.Errorf("credential sealed: %w", err)
		}
		return v, nil
	case "keyring":
		service, user := DefaultKeyringService, rest
		if s, u, found := strings.Cut(rest, "/"); found {
			service, user = s, u
		}
		v, err := keyring.Get(service, user)
		if err != nil {
			return "", fmt.Errorf("credential keyring:%s/%s: %w", service, user, err)
		}
		return v, nil
	default:
		// Not a known scheme: tokens like "Bearer:abc" are literals.
		return ref, nil
	}
}

// StoreKeyring saves a secret in the OS keyring and returns the reference to persist.
func StoreKeyring(user, secret string) (string, error) {
	if strings.TrimSpace(user) == "" {
		return "", fmt.Errorf("keyring user is required")
	}
	if err := keyring.Set(DefaultKeyringService, user, secret); err != nil {
		return "", fmt.Errorf("store keyring secret for %s: %w", user, err)
	}
	return "keyring:" + DefaultKeyringService + "/" + user, nil
}

// IsReference reports whether c names a secret instead of holding one.
func IsReference(c string) bool {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(c), ":")
	if !ok || rest == "" {
		return false
	}
	switch strings.ToLower(scheme) {
	case "env", "file", "keyring", "sealed":
		return true
	}
	return false
}

// Mask hides all but the last four characters of a secret for display.
func Mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
