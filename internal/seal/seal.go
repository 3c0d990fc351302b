// Package seal protects server-side payloads at rest with authenticated
// encryption.
//
// Every record is sealed with XChaCha20-Poly1305 under a fresh random
// 24-byte nonce, so nonces never repeat across records even with many
// writers. Keys are derived from a master secret with HKDF-SHA256 and named
// by key id, which lets old records stay readable after rotation.
package seal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/roach88/tillguard/internal/fault"
)

const (
	// KeySize is the derived key length.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the XChaCha20 nonce length.
	NonceSize = chacha20poly1305.NonceSizeX
	// TagSize is the Poly1305 tag length.
	TagSize = chacha20poly1305.Overhead

	// MinMasterKeySize rejects master secrets too short to derive from.
	MinMasterKeySize = 32

	kdfInfo = "tillguard/payload/v1/"
)

// Sealed is one encrypted record. Ciphertext and Tag are stored in separate
// columns.
type Sealed struct {
	KeyID      string
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Keyring holds derived keys by id. Active encrypts; all keys decrypt.
type Keyring struct {
	Active string
	Keys   map[string][]byte
}

// DeriveKey derives the key for keyID from master.
func DeriveKey(master []byte, keyID string) ([]byte, error) {
	if len(master) < MinMasterKeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", MinMasterKeySize, len(master))
	}
	if keyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(kdfInfo+keyID)), key); err != nil {
		return nil, fmt.Errorf("derive key %s: %w", keyID, err)
	}
	return key, nil
}

// NewKeyring derives the active key and any retired keys still needed to
// read older records.
func NewKeyring(master []byte, active string, retired ...string) (Keyring, error) {
	kr := Keyring{Active: active, Keys: make(map[string][]byte, 1+len(retired))}
	for _, id := range append([]string{active}, retired...) {
		k, err := DeriveKey(master, id)
		if err != nil {
			return Keyring{}, err
		}
		kr.Keys[id] = k
	}
	return kr, nil
}

// Sealer encrypts and authenticates payloads. Safe for concurrent use.
type Sealer struct {
	active string
	keys   map[string]cipherAEAD
	rand   io.Reader
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// New builds a Sealer from kr.
func New(kr Keyring) (*Sealer, error) {
	if _, ok := kr.Keys[kr.Active]; !ok {
		return nil, fmt.Errorf("active key %q not in keyring", kr.Active)
	}
	s := &Sealer{active: kr.Active, keys: make(map[string]cipherAEAD, len(kr.Keys)), rand: rand.Reader}
	for id, k := range kr.Keys {
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", id, err)
		}
		s.keys[id] = aead
	}
	return s, nil
}

// ActiveKeyID returns the key id new records are sealed under.
func (s *Sealer) ActiveKeyID() string { return s.active }

// Seal encrypts plaintext bound to aad under a fresh nonce.
func (s *Sealer) Seal(plaintext, aad []byte) (Sealed, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", err)
	}
	out := s.keys[s.active].Seal(nil, nonce, plaintext, aad)
	split := len(out) - TagSize
	return Sealed{
		KeyID:      s.active,
		Nonce:      nonce,
		Ciphertext: out[:split:split],
		Tag:        out[split:],
	}, nil
}

// Open authenticates and decrypts. Any failure, including an unknown key
// id or malformed nonce, is CORRUPTION_DETECTED.
func (s *Sealer) Open(sealed Sealed, aad []byte) ([]byte, error) {
	const op = "seal.Open"
	aead, ok := s.keys[sealed.KeyID]
	if !ok {
		return nil, fault.New(fault.CodeCorruption, op, "unknown key id %q", sealed.KeyID)
	}
	if len(sealed.Nonce) != NonceSize || len(sealed.Tag) != TagSize {
		return nil, fault.New(fault.CodeCorruption, op, "malformed nonce or tag")
	}
	buf := make([]byte, 0, len(sealed.Ciphertext)+TagSize)
	buf = append(buf, sealed.Ciphertext...)
	buf = append(buf, sealed.Tag...)
	pt, err := aead.Open(nil, sealed.Nonce, buf, aad)
	if err != nil {
		return nil, fault.New(fault.CodeCorruption, op, "authentication failed")
	}
	return pt, nil
}

// AAD joins parts with length prefixes so ("ab","c") and ("a","bc") bind
// differently.
func AAD(parts ...string) []byte {
	var out []byte
	for _, p := range parts {
		out = binary.BigEndian.AppendUint32(out, uint32(len(p)))
		out = append(out, p...)
	}
	return out
}
