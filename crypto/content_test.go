package crypto

import (
	"strings"
	"testing"
)

func TestContentCipher_RoundTrip(t *testing.T) {
	c := NewContentCipher(newTestEncryptor(t))
	payloads := map[string]string{
		"empty":     "",
		"ascii":     "hello everyone",
		"multibyte": "zażółć gęślą jaźń ✓ 日本語",
		"large":     strings.Repeat("x", 10000),
	}
	for name, plaintext := range payloads {
		t.Run(name, func(t *testing.T) {
			stored, err := c.Encrypt(plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if !IsEncrypted(stored) {
				t.Fatalf("stored value %q lacks the encryption tag", stored)
			}
			if got := c.Decrypt(stored); got != plaintext {
				t.Errorf("Decrypt() = %q, want %q", got, plaintext)
			}
		})
	}
}

func TestContentCipher_KeyMismatchYieldsMarker(t *testing.T) {
	writer := NewContentCipher(newTestEncryptor(t))
	reader := NewContentCipher(newTestEncryptor(t))

	stored, err := writer.Encrypt("top secret")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if got := reader.Decrypt(stored); got != DecryptionFailedMarker {
			t.Fatalf("Decrypt() with wrong key = %q, want marker", got)
		}
	}
}

func TestContentCipher_Disabled(t *testing.T) {
	c := NewContentCipher(nil)
	if c.Enabled() {
		t.Fatalf("cipher without encryptor should be disabled")
	}
	stored, err := c.Encrypt("plain")
	if err != nil || stored != "plain" {
		t.Errorf("Encrypt() = %q, %v; want passthrough", stored, err)
	}
	if got := c.Decrypt(ContentPrefix + "abcd"); got != DecryptionFailedMarker {
		t.Errorf("tagged value without key = %q, want marker", got)
	}
}

func TestContentCipher_LegacyPlaintext(t *testing.T) {
	c := NewContentCipher(newTestEncryptor(t))
	if got := c.Decrypt("written before encryption"); got != "written before encryption" {
		t.Errorf("legacy plaintext changed: %q", got)
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "hunter2" {
		t.Fatalf("hash equals plaintext")
	}
	if err := CompareHashAndPassword(hash, "hunter2"); err != nil {
		t.Errorf("matching password rejected: %v", err)
	}
	if err := CompareHashAndPassword(hash, "hunter3"); err == nil {
		t.Errorf("wrong password accepted")
	}
}
