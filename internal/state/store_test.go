package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() UpdateState {
	return UpdateState{
		CurrentVersion:     "1.2.0",
		Channel:            "stable",
		LastCheck:          1735689600,
		AutoUpdate:         true,
		LastSuccessVersion: "1.2.0",
		FailureCount:       1,
		DisabledUntil:      1735693200,
		Pending: &Pending{
			Version:         "1.3.0",
			PreviousVersion: "1.2.0",
			BackupPath:      "/usr/local/bin/audetic-1.2.0.bak",
			CommittedAt:     1735689700,
		},
		BackupPath:        "/usr/local/bin/audetic-1.2.0.bak",
		BackupVersion:     "1.2.0",
		TransientFailures: 2,
		LastError:         "checksum mismatch",
		LastKnownRemote:   "1.3.0",
	}
}

func TestLoadMissingReturnsDefault(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "update_state.json"))
	def := Default("1.2.0", "stable")

	got, err := s.Load(def)
	require.NoError(t, err)
	assert.Equal(t, def, got)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "nested", "update_state.json"))
	want := sample()

	require.NoError(t, s.Save(want))
	got, err := s.Load(Default("0.0.0", "stable"))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	want.Pending = nil
	want.FailureCount = 0
	require.NoError(t, s.Save(want))
	got, err = s.Load(Default("0.0.0", "stable"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadInstallerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update_state.json")
	installer := `{"current_version":"1.2.0","channel":"beta","last_check":null,"auto_update":true,"last_success_version":null,"failure_count":0,"disabled_until":null}`
	require.NoError(t, os.WriteFile(path, []byte(installer), 0o644))

	got, err := NewStore(path).Load(Default("9.9.9", "stable"))
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", got.CurrentVersion)
	assert.Equal(t, "beta", got.Channel)
	assert.True(t, got.AutoUpdate)
	assert.Nil(t, got.Pending)
	assert.Zero(t, got.DisabledUntil)
}

func TestLoadKeepsDefaultsForAbsentFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update_state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"current_version":"1.2.0"}`), 0o644))

	got, err := NewStore(path).Load(Default("9.9.9", "stable"))
	require.NoError(t, err)
	assert.True(t, got.AutoUpdate)
	assert.Equal(t, "stable", got.Channel)
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "update_state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"current_`), 0o644))

	_, err := NewStore(path).Load(Default("1.2.0", "stable"))
	assert.Error(t, err)
}

func TestInterruptedSaveKeepsCommittedState(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "update_state.json"))
	committed := sample()
	require.NoError(t, s.Save(committed))

	// Crash between the temp write and the rename.
	renameFile = func(string, string) error { return errors.New("power loss") }
	t.Cleanup(func() { renameFile = os.Rename })

	next := committed
	next.CurrentVersion = "1.3.0"
	require.Error(t, s.Save(next))

	got, err := s.Load(Default("0.0.0", "stable"))
	require.NoError(t, err)
	assert.Equal(t, committed, got)

	// A half-written temp file from a real crash is ignored and later cleaned.
	stale := filepath.Join(dir, ".update_state.json.123.tmp")
	require.NoError(t, os.WriteFile(stale, []byte(`{"current_version":"1.3`), 0o644))

	got, err = s.Load(Default("0.0.0", "stable"))
	require.NoError(t, err)
	assert.Equal(t, committed, got)

	renameFile = os.Rename
	require.NoError(t, s.Save(next))
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the state file should remain")
}

func TestBackoffActive(t *testing.T) {
	now := time.Unix(1735689600, 0)
	st := UpdateState{}
	assert.False(t, st.BackoffActive(now))

	st.DisabledUntil = now.Add(time.Hour).Unix()
	assert.True(t, st.BackoffActive(now))
	assert.False(t, st.BackoffActive(now.Add(2*time.Hour)))
	assert.Equal(t, now.Add(time.Hour).UTC(), st.DisabledUntilTime())
}
