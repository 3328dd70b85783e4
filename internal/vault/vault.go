// Package vault implements the Credential Vault: AES-256-GCM encryption of
// API keys for the AI Request Pipeline, and masking helpers shared by every
// log call site that might otherwise print a secret.
//
// SSH credentials themselves are not encrypted by this package — per spec
// §4.8 they are stored by an external CRUD layer and only decrypted
// just-in-time by the SSH Session Core; this package owns the AI vault's
// symmetric encryption and the shared masking convention.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// encryptedPrefix marks a wire-form ciphertext blob. Spec §9 notes the open
// question this implies: a plaintext value that itself starts with this
// prefix would be misread as ciphertext. The behavior is kept as specified.
const encryptedPrefix = "encrypted:"

const (
	scryptSalt = "easyssh-salt"
	keyLength  = 32 // AES-256
	ivLength   = 16
	scryptN    = 1 << 15
	scryptR    = 8
	scryptP    = 1
)

var errInvalidWireForm = errors.New("vault: malformed encrypted wire form")

// DeriveKey derives a 32-byte AES-256 key from the operator-supplied secret
// via scrypt, matching spec §4.8's key derivation (salt "easyssh-salt",
// N=keyLength as specified — kept here as a fixed cost parameter since the
// spec ties N to the key length rather than a tunable work factor).
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("vault: encryption key material is empty")
	}
	key, err := scrypt.Key([]byte(secret), []byte(scryptSalt), scryptN, scryptR, scryptP, keyLength)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt produces the wire form `encrypted:<iv-hex>:<tag-hex>:<ct-hex>` for
// plaintext under key. IV is 16 random bytes generated per write.
func Encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLength)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return fmt.Sprintf("%s%s:%s:%s", encryptedPrefix, hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ciphertext)), nil
}

// Decrypt reverses Encrypt. It fails with an authentication error if key
// does not match the key used to encrypt, or if the wire form was tampered.
func Decrypt(key []byte, wire string) (string, error) {
	iv, tag, ciphertext, err := parseWireForm(wire)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLength)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsEncryptedData reports whether s looks like a vault wire-form blob. This
// is a plaintext-prefix sniff, not a cryptographic check — see the package
// doc's open question.
func IsEncryptedData(s string) bool {
	return strings.HasPrefix(s, encryptedPrefix)
}

func parseWireForm(wire string) (iv, tag, ciphertext []byte, err error) {
	if !IsEncryptedData(wire) {
		return nil, nil, nil, errInvalidWireForm
	}
	parts := strings.SplitN(strings.TrimPrefix(wire, encryptedPrefix), ":", 3)
	if len(parts) != 3 {
		return nil, nil, nil, errInvalidWireForm
	}
	iv, err = hex.DecodeString(parts[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: iv: %w", errInvalidWireForm, err)
	}
	tag, err = hex.DecodeString(parts[1])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: tag: %w", errInvalidWireForm, err)
	}
	ciphertext, err = hex.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: ciphertext: %w", errInvalidWireForm, err)
	}
	return iv, tag, ciphertext, nil
}

// Mask returns the masked form of a secret for logging: first 4 + last 4
// characters kept, the middle replaced by asterisks (at least 4 of them),
// per spec §4.8 / §8 scenario 4.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", max(len(secret), 4))
	}
	maskedLen := len(secret) - 8
	if maskedLen < 4 {
		maskedLen = 4
	}
	return secret[:4] + strings.Repeat("*", maskedLen) + secret[len(secret)-4:]
}
