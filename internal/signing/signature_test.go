package signing

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKey()
	require.NoError(t, err)

	data := []byte("audetic release archive")
	sig, err := Sign(priv, bytes.NewReader(data))
	require.NoError(t, err)

	require.NoError(t, Verify([]PublicKey{pub}, bytes.NewReader(data), sig))
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	priv, pub, err := GenerateKey()
	require.NoError(t, err)

	sig, err := Sign(priv, bytes.NewReader([]byte("original")))
	require.NoError(t, err)

	err = Verify([]PublicKey{pub}, bytes.NewReader([]byte("tampered")), sig)
	assert.ErrorIs(t, err, ErrVerify)
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	priv, _, err := GenerateKey()
	require.NoError(t, err)
	_, other, err := GenerateKey()
	require.NoError(t, err)

	sig, err := Sign(priv, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	err = Verify([]PublicKey{other}, bytes.NewReader([]byte("data")), sig)
	assert.ErrorIs(t, err, ErrVerify)
}

func TestVerifyRejectsFutureTimestamp(t *testing.T) {
	priv, pub, err := GenerateKey()
	require.NoError(t, err)

	raw, err := Sign(priv, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	var sig Signature
	require.NoError(t, json.Unmarshal(raw, &sig))
	sig.Timestamp = time.Now().Add(time.Hour)
	raw, err = json.Marshal(sig)
	require.NoError(t, err)

	err = Verify([]PublicKey{pub}, bytes.NewReader([]byte("data")), raw)
	assert.ErrorIs(t, err, ErrVerify)
}

func TestVerifyRejectsGarbageEnvelope(t *testing.T) {
	_, pub, err := GenerateKey()
	require.NoError(t, err)
	assert.ErrorIs(t, Verify([]PublicKey{pub}, bytes.NewReader(nil), []byte("nope")), ErrVerify)
}

func TestSignRejectsEmpty(t *testing.T) {
	priv, _, err := GenerateKey()
	require.NoError(t, err)
	_, err = Sign(priv, bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestKeyPEMRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKey()
	require.NoError(t, err)
	_, pub2, err := GenerateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys.pem")
	bundle := append(EncodePublicKey(pub), EncodePublicKey(pub2)...)
	require.NoError(t, os.WriteFile(path, bundle, 0o600))

	keys, err := LoadPublicKeys(path)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, pub.ID, keys[0].ID)
	assert.Equal(t, pub2.ID, keys[1].ID)

	parsed, err := ParsePrivateKey(EncodePrivateKey(priv))
	require.NoError(t, err)
	assert.Equal(t, priv.ID, parsed.ID)

	_, err = ParsePublicKeys([]byte("not pem"))
	assert.Error(t, err)
	_, err = ParsePublicKeys(EncodePrivateKey(priv))
	assert.Error(t, err)
}

func TestVerifyFile(t *testing.T) {
	priv, pub, err := GenerateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "a.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("archive bytes"), 0o600))

	f, err := os.Open(path)
	require.NoError(t, err)
	sig, err := Sign(priv, f)
	f.Close()
	require.NoError(t, err)

	require.NoError(t, VerifyFile([]PublicKey{pub}, path, sig))
}
