// Package crypto implements the versioned envelope encryption service. Each
// key version is derived from a single master key with HKDF-SHA256, so
// rotating to a new active version never invalidates ciphertext written under
// older versions.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/keyway/keyway/internal/apperr"
)

// gcmTagSize is the AES-GCM authentication tag length. The tag is stored in
// its own column, separate from the ciphertext.
const gcmTagSize = 16

// Envelope is the stored form of an encrypted value. Version identifies the
// key that produced it; rows persisted before versioning carry 0 and decrypt
// as version 1.
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
	AuthTag    []byte
	Version    int
}

// Service encrypts and decrypts envelopes. Decrypt is a pure function of the
// stored tuple: no hidden state, no partial success.
type Service interface {
	Encrypt(plaintext []byte) (*Envelope, error)
	Decrypt(env *Envelope) ([]byte, error)
}

// Keyring is a local AEAD Service holding one derived key per version.
// Encrypt always uses the active (highest) version; Decrypt accepts any
// version the ring holds.
type Keyring struct {
	keys   map[int][]byte
	active int
}

// NewKeyring derives keys for versions 1..activeVersion from masterKey.
func NewKeyring(masterKey []byte, activeVersion int) (*Keyring, error) {
	if len(masterKey) < 32 {
		return nil, errors.New("master key must be at least 32 bytes")
	}
	if activeVersion < 1 {
		return nil, errors.New("active key version must be >= 1")
	}
	keys := make(map[int][]byte, activeVersion)
	for v := 1; v <= activeVersion; v++ {
		key, err := deriveKey(masterKey, v)
		if err != nil {
			return nil, err
		}
		keys[v] = key
	}
	return &Keyring{keys: keys, active: activeVersion}, nil
}

// ActiveVersion returns the version new ciphertext is written under.
func (k *Keyring) ActiveVersion() int {
	return k.active
}

// deriveKey derives the 32-byte key for one version via HKDF-SHA256.
func deriveKey(masterKey []byte, version int) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, masterKey, nil, fmt.Appendf(nil, "keyway-secret-key-v%d", version))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key v%d: %w", version, err)
	}
	return key, nil
}

// Encrypt seals plaintext under the active key and splits the GCM tag into
// the envelope's AuthTag field.
func (k *Keyring) Encrypt(plaintext []byte) (*Envelope, error) {
	gcm, err := newGCM(k.keys[k.active])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - gcmTagSize
	return &Envelope{
		Ciphertext: sealed[:split],
		Nonce:      nonce,
		AuthTag:    sealed[split:],
		Version:    k.active,
	}, nil
}

// Decrypt opens an envelope with the key matching its version. An unknown
// version or a failed authentication yields a DecryptionError scoped to this
// one envelope.
func (k *Keyring) Decrypt(env *Envelope) ([]byte, error) {
	version := env.Version
	if version == 0 {
		version = 1
	}
	key, ok := k.keys[version]
	if !ok {
		return nil, &apperr.DecryptionError{Version: version}
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.AuthTag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.AuthTag...)
	plaintext, err := gcm.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		return nil, &apperr.DecryptionError{Version: version, Err: err}
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// GenerateMasterKey returns a fresh 32-byte random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	return key, nil
}
