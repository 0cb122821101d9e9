package signing

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	tagPublic  = "ARTIFACT PUBLIC KEY"
	tagPrivate = "ARTIFACT PRIVATE KEY"
)

// KeyID is the first 8 bytes of SHA-256 over the public key.
type KeyID [8]byte

func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

func (k KeyID) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *KeyID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(k) {
		return fmt.Errorf("invalid key id %q", s)
	}
	copy(k[:], raw)
	return nil
}

func computeKeyID(pub ed25519.PublicKey) KeyID {
	h := sha256.Sum256(pub)
	var id KeyID
	copy(id[:], h[:8])
	return id
}

// PublicKey is a release verification key.
type PublicKey struct {
	Key ed25519.PublicKey
	ID  KeyID
}

// PrivateKey signs release archives. Only release tooling and tests hold one.
type PrivateKey struct {
	Key ed25519.PrivateKey
	ID  KeyID
}

// GenerateKey creates a fresh key pair.
func GenerateKey() (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return PrivateKey{}, PublicKey{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	id := computeKeyID(pub)
	return PrivateKey{Key: priv, ID: id}, PublicKey{Key: pub, ID: id}, nil
}

// EncodePublicKey renders pub as a PEM block.
func EncodePublicKey(pub PublicKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: tagPublic, Bytes: pub.Key})
}

// EncodePrivateKey renders priv as a PEM block.
func EncodePrivateKey(priv PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: tagPrivate, Bytes: priv.Key})
}

// ParsePublicKeys decodes every ARTIFACT PUBLIC KEY block in bundle.
func ParsePublicKeys(bundle []byte) ([]PublicKey, error) {
	var keys []PublicKey
	for {
		b, rest := pem.Decode(bundle)
		if b == nil {
			break
		}
		bundle = rest
		if b.Type != tagPublic {
			return nil, fmt.Errorf("PEM type is %q, want %q", b.Type, tagPublic)
		}
		if len(b.Bytes) != ed25519.PublicKeySize {
			return nil, errors.New("incorrect Ed25519 public key size")
		}
		pub := ed25519.PublicKey(b.Bytes)
		keys = append(keys, PublicKey{Key: pub, ID: computeKeyID(pub)})
	}
	if len(keys) == 0 {
		return nil, errors.New("no public keys found")
	}
	return keys, nil
}

// LoadPublicKeys reads a PEM bundle from disk.
func LoadPublicKeys(path string) ([]PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key file: %w", err)
	}
	return ParsePublicKeys(data)
}

// ParsePrivateKey decodes a single ARTIFACT PRIVATE KEY block.
func ParsePrivateKey(data []byte) (PrivateKey, error) {
	b, rest := pem.Decode(data)
	if b == nil {
		return PrivateKey{}, errors.New("failed to decode PEM data")
	}
	if len(rest) > 0 {
		return PrivateKey{}, errors.New("trailing PEM data")
	}
	if b.Type != tagPrivate {
		return PrivateKey{}, fmt.Errorf("PEM type is %q, want %q", b.Type, tagPrivate)
	}
	if len(b.Bytes) != ed25519.PrivateKeySize {
		return PrivateKey{}, errors.New("incorrect Ed25519 private key size")
	}
	priv := ed25519.PrivateKey(b.Bytes)
	return PrivateKey{Key: priv, ID: computeKeyID(priv.Public().(ed25519.PublicKey))}, nil
}
