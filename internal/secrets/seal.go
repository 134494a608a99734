package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

// SealedPrefix marks a credential encrypted with the gateway master key.
const SealedPrefix = "sealed:"

const (
	sealVersion    = "v1"
	sealAAD        = "fleetgate-credential-v1"
	keyFileName    = "master.key"
	keyringService = "fleetgate.master"
	keyringUser    = "master-key"
)

// ErrNoMasterKey is returned when a sealed credential is read before any
// master key exists.
var ErrNoMasterKey = errors.New("no master key configured")

// Seal encrypts a literal credential with the master key, creating the key on
// first use, and returns the reference to store.
func Seal(plain string) (string, error) {
	key, err := loadMasterKey(true)
	if err != nil {
		return "", err
	}
	return SealWithKey(plain, key)
}

// SealWithKey encrypts plain with AES-256-GCM under key.
func SealWithKey(plain string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), []byte(sealAAD))
	return SealedPrefix + sealVersion + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// OpenWithKey decrypts a sealed reference produced by SealWithKey.
func OpenWithKey(ref string, key []byte) (string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(ref), SealedPrefix)
	if !ok {
		return "", fmt.Errorf("not a sealed credential")
	}
	version, payload, ok := strings.Cut(rest, ":")
	if !ok || payload == "" {
		return "", fmt.Errorf("malformed sealed credential")
	}
	if version != sealVersion {
		return "", fmt.Errorf("unsupported sealed credential version: %s", version)
	}
	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("sealed credential: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("sealed credential too short")
	}
	plain, err := gcm.Open(nil, data[:gcm.NonceSize()], data[gcm.NonceSize():], []byte(sealAAD))
	if err != nil {
		return "", fmt.Errorf("sealed credential: %w", err)
	}
	return string(plain), nil
}

func openSealed(ref string) (string, error) {
	key, err := loadMasterKey(false)
	if err != nil {
		return "", err
	}
	return OpenWithKey(ref, key)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DecodeMasterKey base64-decodes a master key and validates its length (32 bytes).
func DecodeMasterKey(raw string) ([]byte, error) {
	key, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(raw), "="))
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", len(key))
	}
	return key, nil
}

// MasterKeyFile returns where the file backend keeps the master key.
// Priority: FLEETGATE_MASTER_KEY_FILE, then <FLEETGATE_HOME or ~>/.fleetgate/master.key.
func MasterKeyFile() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("FLEETGATE_MASTER_KEY_FILE")); explicit != "" {
		return explicit, nil
	}
	home := strings.TrimSpace(os.Getenv("FLEETGATE_HOME"))
	if home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		home = h
	}
	return filepath.Join(home, ".fleetgate", keyFileName), nil
}

// loadMasterKey returns the 32-byte master key.
// Priority: FLEETGATE_MASTER_KEY env, then the backend chosen by
// FLEETGATE_KEY_BACKEND (keyring, file, or auto = keyring then file).
func loadMasterKey(create bool) ([]byte, error) {
	if envKey := strings.TrimSpace(os.Getenv("FLEETGATE_MASTER_KEY")); envKey != "" {
		key, err := DecodeMasterKey(envKey)
		if err != nil {
			return nil, fmt.Errorf("invalid FLEETGATE_MASTER_KEY: %w", err)
		}
		return key, nil
	}
	switch resolveKeyBackend() {
	case "keyring":
		return keyringMasterKey(create)
	case "file":
		return fileMasterKey(create)
	default:
		if key, err := keyringMasterKey(false); err == nil {
			return key, nil
		}
		if key, err := fileMasterKey(false); err == nil || !create {
			return key, err
		}
		if key, err := keyringMasterKey(true); err == nil {
			return key, nil
		}
		return fileMasterKey(true)
	}
}

func resolveKeyBackend() string {
	switch v := strings.ToLower(strings.TrimSpace(os.Getenv("FLEETGATE_KEY_BACKEND"))); v {
	case "keyring", "file":
		return v
	default:
		return "auto"
	}
}

func newMasterKey() ([]byte, string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, "", err
	}
	return key, base64.RawStdEncoding.EncodeToString(key), nil
}

func keyringMasterKey(create bool) ([]byte, error) {
	val, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		return DecodeMasterKey(val)
	}
	if !create {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoMasterKey
		}
		return nil, err
	}
	key, encoded, err := newMasterKey()
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(keyringService, keyringUser, encoded); err != nil {
		return nil, err
	}
	return key, nil
}

func fileMasterKey(create bool) ([]byte, error) {
	path, err := MasterKeyFile()
	if err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(path); err == nil {
		return DecodeMasterKey(string(data))
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if !create {
		return nil, ErrNoMasterKey
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	key, encoded, err := newMasterKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
