package signing

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/blake2s"
)

const (
	algorithmEd25519 = "ed25519"
	hashBlake2s      = "blake2s"

	maxClockSkew    = 5 * time.Minute
	maxSignatureAge  = 10 * 365 * 24 * time.Hour
)

// ErrVerify is returned for every signature that does not check out.
var ErrVerify = errors.New("signature verification failed")

// Signature is the detached JSON envelope published next to an archive.
type Signature struct {
	Signature []byte    `json:"signature"`
	Timestamp time.Time `json:"timestamp"`
	KeyID     KeyID     `json:"key_id"`
	Algorithm string    `json:"algorithm"`
	HashAlgo  string    `json:"hash_algo"`
}

// ParseSignature decodes a signature envelope.
func ParseSignature(data []byte) (*Signature, error) {
	var sig Signature
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	if sig.Algorithm != algorithmEd25519 || sig.HashAlgo != hashBlake2s {
		return nil, fmt.Errorf("unsupported signature scheme %s/%s", sig.Algorithm, sig.HashAlgo)
	}
	return &sig, nil
}

func newHash() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic(err) // nil key never fails
	}
	return h
}

// message is hash || length || timestamp, little-endian.
func message(sum []byte, length int64, ts time.Time) []byte {
	msg := make([]byte, 0, len(sum)+8+8)
	msg = append(msg, sum...)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(length))
	msg = binary.LittleEndian.AppendUint64(msg, uint64(ts.Unix()))
	return msg
}

// Sign produces a signature envelope over the contents of r.
func Sign(key PrivateKey, r io.Reader) ([]byte, error) {
	h := newHash()
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, fmt.Errorf("hash artifact: %w", err)
	}
	if n == 0 {
		return nil, errors.New("artifact is empty")
	}

	ts := time.Now().UTC().Truncate(time.Second)
	sig := Signature{
		Signature: ed25519.Sign(key.Key, message(h.Sum(nil), n, ts)),
		Timestamp: ts,
		KeyID:     key.ID,
		Algorithm: algorithmEd25519,
		HashAlgo:  hashBlake2s,
	}
	return json.Marshal(sig)
}

// Verify checks sigData against the contents of r using whichever of keys
// matches the envelope's key id.
func Verify(keys []PublicKey, r io.Reader, sigData []byte) error {
	sig, err := ParseSignature(sigData)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerify, err)
	}

	now := time.Now().UTC()
	if sig.Timestamp.After(now.Add(maxClockSkew)) {
		return fmt.Errorf("%w: timestamp %s is in the future", ErrVerify, sig.Timestamp)
	}
	if now.Sub(sig.Timestamp) > maxSignatureAge {
		return fmt.Errorf("%w: signature from %s is too old", ErrVerify, sig.Timestamp)
	}

	h := newHash()
	n, err := io.Copy(h, r)
	if err != nil {
		return fmt.Errorf("hash artifact: %w", err)
	}
	msg := message(h.Sum(nil), n, sig.Timestamp)

	for _, k := range keys {
		if k.ID != sig.KeyID {
			continue
		}
		if ed25519.Verify(k.Key, msg, sig.Signature) {
			return nil
		}
		return fmt.Errorf("%w: bad signature for key %s", ErrVerify, sig.KeyID)
	}
	return fmt.Errorf("%w: no key with id %s", ErrVerify, sig.KeyID)
}

// VerifyFile is Verify over the file at path.
func VerifyFile(keys []PublicKey, path string, sigData []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Verify(keys, f, sigData)
}
