package hipaa

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/pipeline/document"
)

// fieldCipher is the seam shared by the single-key and rotating encryptors.
type fieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Service provides field-level PHI encryption for stored records. It wraps a
// FieldEncryptor and adds a disabled mode for development environments where
// no encryption key is configured.
type Service struct {
	encryptor fieldCipher
	enabled   bool
}

// NewService creates the encryption service.
//
// If key is empty, encryption is disabled (development mode) and a warning is
// logged. All Encrypt/Decrypt calls become no-ops that return the value as-is.
//
// If key is non-empty, it must be a valid 64-character hex string encoding a
// 32-byte AES-256 key. An invalid key is an error so the application refuses
// to start with a misconfigured key.
func NewService(key string, logger zerolog.Logger) (*Service, error) {
	if key == "" {
		logger.Warn().Msg("PHI encryption disabled: HIPAA_ENCRYPTION_KEY is not set")
		return &Service{enabled: false}, nil
	}

	keyBytes, err := decodeKey(key)
	if err != nil {
		return nil, err
	}

	enc, err := NewFieldEncryptor(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("create field encryptor: %w", err)
	}

	logger.Info().Msg("PHI field-level encryption enabled")
	return &Service{encryptor: enc, enabled: true}, nil
}

// NewServiceWithRotation creates the encryption service with key rotation
// support. currentKey is the hex-encoded active key; previousKeys maps retired
// key versions to their hex keys so rows written before a rotation still
// decrypt. An empty currentKey disables encryption exactly like NewService.
func NewServiceWithRotation(currentKey string, currentVersion int, previousKeys map[int]string, logger zerolog.Logger) (*Service, error) {
	if currentKey == "" {
		logger.Warn().Msg("PHI encryption disabled: HIPAA_ENCRYPTION_KEY is not set")
		return &Service{enabled: false}, nil
	}

	keyBytes, err := decodeKey(currentKey)
	if err != nil {
		return nil, err
	}

	enc, err := NewRotatingEncryptor(keyBytes, currentVersion)
	if err != nil {
		return nil, fmt.Errorf("create rotating encryptor: %w", err)
	}
	for version, hexKey := range previousKeys {
		prevBytes, err := decodeKey(hexKey)
		if err != nil {
			return nil, fmt.Errorf("previous key v%d: %w", version, err)
		}
		if err := enc.AddPreviousKey(prevBytes, version); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Int("key_version", currentVersion).
		Int("previous_keys", len(previousKeys)).
		Msg("PHI field-level encryption enabled with key rotation")
	return &Service{encryptor: enc, enabled: true}, nil
}

func decodeKey(key string) ([]byte, error) {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != KeySize {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY must be %d bytes (%d hex chars), got %d bytes", KeySize, 2*KeySize, len(keyBytes))
	}
	return keyBytes, nil
}

// Enabled returns true when encryption is active.
func (s *Service) Enabled() bool { return s.enabled }

// EncryptField encrypts a single PHI field value. Returns the original value
// unchanged if encryption is disabled.
func (s *Service) EncryptField(value string) (string, error) {
	if !s.enabled {
		return value, nil
	}
	return s.encryptor.Encrypt(value)
}

// DecryptField decrypts a single PHI field value. Returns the original value
// unchanged if encryption is disabled.
func (s *Service) DecryptField(value string) (string, error) {
	if !s.enabled {
		return value, nil
	}
	return s.encryptor.Decrypt(value)
}

// EncryptRecord returns a copy of the record with every PHI field value
// encrypted. The input record is not modified; non-PHI fields, absence lists
// and schema metadata pass through untouched.
func (s *Service) EncryptRecord(rec *document.NormalizedRecord) (*document.NormalizedRecord, error) {
	return s.mapRecord(rec, s.EncryptField)
}

// DecryptRecord reverses EncryptRecord on a copy of the record.
func (s *Service) DecryptRecord(rec *document.NormalizedRecord) (*document.NormalizedRecord, error) {
	return s.mapRecord(rec, s.DecryptField)
}

func (s *Service) mapRecord(rec *document.NormalizedRecord, apply func(string) (string, error)) (*document.NormalizedRecord, error) {
	if rec == nil {
		return nil, nil
	}
	out := *rec
	out.Fields = append([]document.Field(nil), rec.Fields...)
	if !s.enabled {
		return &out, nil
	}
	for i, f := range out.Fields {
		if !IsPHI(f.Name) {
			continue
		}
		v, err := apply(f.Value)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out.Fields[i].Value = v
	}
	return &out, nil
}
