package models

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm/schema"
)

// SealedSerializerName is the gorm serializer tag value for encrypted-at-rest columns
const SealedSerializerName = "sealed"

// SealedSerializer stores a field as base64(nonce || XChaCha20-Poly1305(json(value)))
type SealedSerializer struct {
	key []byte
}

// NewSealedSerializer builds a serializer from a 32 byte key
func NewSealedSerializer(key []byte) (*SealedSerializer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealed serializer key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &SealedSerializer{key: append([]byte(nil), key...)}, nil
}

// RegisterSealedSerializer registers the serializer with gorm; it must run before the first query touching a sealed column
func RegisterSealedSerializer(key []byte) error {
	s, err := NewSealedSerializer(key)
	if err != nil {
		return err
	}
	schema.RegisterSerializer(SealedSerializerName, s)
	return nil
}

// Seal encrypts plaintext into the stored representation
func (s *SealedSerializer) Seal(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal
func (s *SealedSerializer) Open(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed value: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed value: %w", err)
	}
	return plaintext, nil
}

// Scan implements schema.SerializerInterface
func (s *SealedSerializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue any) error {
	fieldValue := reflect.New(field.FieldType)

	if dbValue != nil {
		var encoded string
		switch v := dbValue.(type) {
		case []byte:
			encoded = string(v)
		case string:
			encoded = v
		default:
			return fmt.Errorf("cannot scan %T into sealed field %s", dbValue, field.Name)
		}

		if encoded != "" {
			plaintext, err := s.Open(encoded)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(plaintext, fieldValue.Interface()); err != nil {
				return fmt.Errorf("failed to unmarshal sealed field %s: %w", field.Name, err)
			}
		}
	}

	field.ReflectValueOf(ctx, dst).Set(fieldValue.Elem())
	return nil
}

// Value implements schema.SerializerValuerInterface
func (s *SealedSerializer) Value(ctx context.Context, field *schema.Field, dst reflect.Value, fieldValue any) (any, error) {
	plaintext, err := json.Marshal(fieldValue)
	if err != nil {
		return nil, err
	}
	return s.Seal(plaintext)
}
