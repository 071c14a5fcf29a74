package hipaa

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// KeyVersion prefix format: "v{version}:" prepended to ciphertext
const keyVersionPrefix = "v"
const keyVersionSeparator = ":"

// RotatingEncryptor supports encryption key rotation with versioned keys.
// Rotating HIPAA_ENCRYPTION_KEY does not require re-encrypting every stored
// field at once: new writes use the current key, old ciphertexts carry their
// version prefix and decrypt with the retired key until a background
// re-encryption sweep catches up.
type RotatingEncryptor struct {
	mu         sync.RWMutex
	current    *FieldEncryptor
	currentVer int
	previous   map[int]*FieldEncryptor
}

// NewRotatingEncryptor creates a new rotating encryptor with the current key.
func NewRotatingEncryptor(currentKey []byte, currentVersion int) (*RotatingEncryptor, error) {
	enc, err := NewFieldEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	return &RotatingEncryptor{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*FieldEncryptor),
	}, nil
}

// AddPreviousKey adds a previous encryption key for decryption.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	enc, err := NewFieldEncryptor(key)
	if err != nil {
		return fmt.Errorf("rotating encryptor: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.previous[version] = enc
	return nil
}

// Encrypt encrypts with the current key and prepends the version prefix.
func (r *RotatingEncryptor) Encrypt(plaintext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ciphertext, err := r.current.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d%s%s", keyVersionPrefix, r.currentVer, keyVersionSeparator, ciphertext), nil
}

// Decrypt detects the key version and decrypts with the appropriate key.
func (r *RotatingEncryptor) Decrypt(ciphertext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, data, err := parseVersionedCiphertext(ciphertext)
	if err != nil {
		// No version prefix - try current key (legacy data)
		return r.current.Decrypt(ciphertext)
	}

	if version == r.currentVer {
		return r.current.Decrypt(data)
	}

	enc, ok := r.previous[version]
	if !ok {
		return "", fmt.Errorf("no key available for version %d", version)
	}
	return enc.Decrypt(data)
}

// NeedsReEncryption checks if a ciphertext uses an old key version.
func (r *RotatingEncryptor) NeedsReEncryption(ciphertext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, _, err := parseVersionedCiphertext(ciphertext)
	if err != nil {
		return true // No version prefix = legacy data
	}
	return version != r.currentVer
}

// ReEncrypt decrypts with the old key and re-encrypts with the current key.
func (r *RotatingEncryptor) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: decrypt: %w", err)
	}
	return r.Encrypt(plaintext)
}

// CurrentVersion returns the current key version.
func (r *RotatingEncryptor) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

// ParsePreviousKeys parses the HIPAA_PREVIOUS_KEYS format: a comma-separated
// list of "version:hexkey" pairs, e.g. "1:aabb...,2:ccdd...". The hex keys are
// returned undecoded; key length is validated when the encryptor is built.
func ParsePreviousKeys(s string) (map[int]string, error) {
	keys := make(map[int]string)
	if strings.TrimSpace(s) == "" {
		return keys, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, ":")
		if idx <= 0 {
			return nil, fmt.Errorf("previous keys: malformed entry %q, want version:hexkey", pair)
		}
		version, err := strconv.Atoi(pair[:idx])
		if err != nil {
			return nil, fmt.Errorf("previous keys: invalid version in %q: %w", pair, err)
		}
		key := strings.TrimSpace(pair[idx+1:])
		if key == "" {
			return nil, fmt.Errorf("previous keys: empty key for version %d", version)
		}
		if _, dup := keys[version]; dup {
			return nil, fmt.Errorf("previous keys: duplicate version %d", version)
		}
		keys[version] = key
	}
	return keys, nil
}

func parseVersionedCiphertext(s string) (int, string, error) {
	if !strings.HasPrefix(s, keyVersionPrefix) {
		return 0, "", fmt.Errorf("no version prefix")
	}

	idx := strings.Index(s, keyVersionSeparator)
	if idx < 0 {
		return 0, "", fmt.Errorf("no version separator")
	}

	versionStr := s[len(keyVersionPrefix):idx]
	var version int
	_, err := fmt.Sscanf(versionStr, "%d", &version)
	if err != nil {
		return 0, "", fmt.Errorf("invalid version: %w", err)
	}

	return version, s[idx+1:], nil
}
