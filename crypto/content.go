package crypto

import (
	"strings"
)

const (
	// ContentPrefix tags message bodies encrypted by ContentCipher.
	ContentPrefix = "enc:v1:"
	// DecryptionFailedMarker replaces bodies that cannot be decrypted with
	// the configured key.
	DecryptionFailedMarker = "[encrypted message: unable to decrypt]"
)

// ContentCipher encrypts message bodies for storage. Stored values carry
// ContentPrefix; values without it are treated as legacy plaintext. A nil
// Encryptor stores plaintext.
type ContentCipher struct {
	enc Encryptor
}

// NewContentCipher returns a cipher over enc. enc may be nil to disable
// encryption.
func NewContentCipher(enc Encryptor) *ContentCipher {
	return &ContentCipher{enc: enc}
}

// Enabled reports whether new content is encrypted.
func (c *ContentCipher) Enabled() bool { return c != nil && c.enc != nil }

// Encrypt returns the storage form of plaintext.
func (c *ContentCipher) Encrypt(plaintext string) (string, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	s, err := EncryptString(c.enc, plaintext)
	if err != nil {
		return "", err
	}
	return ContentPrefix + s, nil
}

// Decrypt returns the plaintext of a stored value, or DecryptionFailedMarker
// when the value is tagged but cannot be opened.
func (c *ContentCipher) Decrypt(stored string) string {
	if !IsEncrypted(stored) {
		return stored
	}
	if !c.Enabled() {
		return DecryptionFailedMarker
	}
	plaintext, err := DecryptString(c.enc, strings.TrimPrefix(stored, ContentPrefix))
	if err != nil {
		return DecryptionFailedMarker
	}
	return plaintext
}

// IsEncrypted reports whether stored carries the encryption tag.
func IsEncrypted(stored string) bool { return strings.HasPrefix(stored, ContentPrefix) }
