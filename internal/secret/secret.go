// Package secret obfuscates stored account passwords with Fernet tokens.
// The goal is keeping credentials out of casual sight in the config file,
// not resisting an attacker who can read the key file next to it.
package secret

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fernet/fernet-go"
)

// KeyFileName is the key file created alongside the config.
const KeyFileName = "secret.key"

// Cipher encrypts and decrypts password fields with a single Fernet key.
type Cipher struct {
	key *fernet.Key
}

// Load reads the key from dir, generating a fresh one on first use.
// The file is created with owner-only permissions.
func Load(dir string) (*Cipher, error) {
	path := filepath.Join(dir, KeyFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		key, derr := fernet.DecodeKey(string(raw))
		if derr != nil {
			return nil, fmt.Errorf("secret: key file %s is corrupt: %w", path, derr)
		}
		return &Cipher{key: key}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secret: read key file: %w", err)
	}

	key := new(fernet.Key)
	if err := key.Generate(); err != nil {
		return nil, fmt.Errorf("secret: generate key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("secret: create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(key.Encode()), 0o600); err != nil {
		return nil, fmt.Errorf("secret: write key file: %w", err)
	}
	return &Cipher{key: key}, nil
}

// Encrypt returns the Fernet token for plain.
func (c *Cipher) Encrypt(plain string) (string, error) {
	tok, err := fernet.EncryptAndSign([]byte(plain), c.key)
	if err != nil {
		return "", fmt.Errorf("secret: encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt returns the plaintext for a token. Values that are not valid
// tokens come back unchanged: configs hand-edited with plaintext passwords
// keep working, they just never got encrypted.
func (c *Cipher) Decrypt(value string) string {
	plain := fernet.VerifyAndDecrypt([]byte(value), 0, []*fernet.Key{c.key})
	if plain == nil {
		return value
	}
	return string(plain)
}
