package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ErrDecryptionFailure is returned for any malformed envelope or
// failed authentication tag. Callers decrypting a batch of fields
// catch it per field and keep the stored ciphertext in place.
var ErrDecryptionFailure = errors.New("decryption failure")

const (
	gcmNonceSize = 12
	gcmTagSize   = 16

	pbkdf2Iterations = 210_000
	pbkdf2SaltSize   = 16
	pbkdf2KeySize    = 32
)

// FieldCipher provides authenticated encryption for sensitive column
// values. The key is fixed at construction for the process lifetime.
//
// Envelope format is hex(nonce):hex(tag):hex(ciphertext) and is frozen;
// any future change must introduce a version marker so existing rows
// stay readable.
type FieldCipher struct {
	aead cipher.AEAD
}

func NewFieldCipher(key string) (*FieldCipher, error) {
	if key == "" {
		return nil, errors.New("encryption key must not be empty")
	}
	derived := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// Encrypt returns the envelope for plaintext. Empty input passes
// through unchanged so optional columns stay empty instead of growing
// an envelope around nothing.
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

func (c *FieldCipher) Decrypt(envelope string) (string, error) {
	if envelope == "" {
		return "", nil
	}
	parts := strings.Split(envelope, ":")
	if len(parts) != 3 {
		return "", ErrDecryptionFailure
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != gcmNonceSize {
		return "", ErrDecryptionFailure
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != gcmTagSize {
		return "", ErrDecryptionFailure
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrDecryptionFailure
	}
	plaintext, err := c.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryptionFailure
	}
	return string(plaintext), nil
}

// FieldResult carries the outcome for one field of a best-effort batch
// decryption. When Err is set, Value holds the original stored value.
type FieldResult struct {
	Value string
	Err   error
}

// EncryptFields encrypts every value in fields. Encryption is
// all-or-nothing: a record must never be half-encrypted at rest.
func (c *FieldCipher) EncryptFields(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for name, value := range fields {
		enc, err := c.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s: %w", name, err)
		}
		out[name] = enc
	}
	return out, nil
}

// DecryptFields decrypts each value independently. A failed field
// keeps its stored value and carries the error; the rest of the record
// is still usable.
func (c *FieldCipher) DecryptFields(fields map[string]string) map[string]FieldResult {
	out := make(map[string]FieldResult, len(fields))
	for name, value := range fields {
		plain, err := c.Decrypt(value)
		if err != nil {
			out[name] = FieldResult{Value: value, Err: err}
			continue
		}
		out[name] = FieldResult{Value: plain}
	}
	return out
}

// HashPassword derives a key from the password with PBKDF2-SHA512 over
// a random salt and encodes the result as hex(salt):hex(key).
func HashPassword(password string) (string, error) {
	salt := make([]byte, pbkdf2SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeySize, sha512.New)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(key), nil
}

// VerifyPassword re-derives with the stored salt and compares in
// constant time. Malformed stored hashes verify as false.
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, ":")
	if len(parts) != 2 {
		return false
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return false
	}
	stored, err := hex.DecodeString(parts[1])
	if err != nil || len(stored) == 0 {
		return false
	}
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, len(stored), sha512.New)
	return subtle.ConstantTimeCompare(key, stored) == 1
}
