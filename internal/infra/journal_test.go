package infra

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/zapretdeck/internal/domain"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, journalKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

// newTestJournal creates an encrypted journal in a temp directory for testing.
func newTestJournal(t *testing.T) (*EncryptedJournal, string) {
	t.Helper()
	dataDir := t.TempDir()
	j, err := NewEncryptedJournal(dataDir, randomKey(t))
	require.NoError(t, err)

	t.Cleanup(func() { j.Close() })
	return j, dataDir
}

func TestEncryptedJournal_Lifecycle(t *testing.T) {
	j, _ := newTestJournal(t)
	started := time.Now().Add(-2 * time.Second).Truncate(time.Millisecond)

	id, err := j.Begin(domain.Operation{Kind: domain.OpSetDNS, Detail: "primary", StartedAt: started})
	require.NoError(t, err)

	ops, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, domain.OpPending, ops[0].State, "Begin defaults to pending")
	assert.True(t, ops[0].FinishedAt.IsZero())

	require.NoError(t, j.SetState(id, domain.OpRunning))

	finished := started.Add(1500 * time.Millisecond)
	require.NoError(t, j.Finish(domain.Operation{
		ID:          id,
		Kind:        domain.OpSetDNS,
		State:       domain.OpFailed,
		FinishedAt:  finished,
		ExitCode:    2,
		ErrorKind:   domain.KindCommandFailed,
		Diagnostics: "resolvectl: Failed to set DNS configuration",
	}))

	ops, err = j.Recent(10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	op := ops[0]
	assert.Equal(t, id, op.ID)
	assert.Equal(t, domain.OpSetDNS, op.Kind)
	assert.Equal(t, domain.OpFailed, op.State)
	assert.Equal(t, "primary", op.Detail)
	assert.Equal(t, 2, op.ExitCode)
	assert.Equal(t, domain.KindCommandFailed, op.ErrorKind)
	assert.Equal(t, "resolvectl: Failed to set DNS configuration", op.Diagnostics)
	assert.True(t, started.Equal(op.StartedAt))
	assert.Equal(t, 1500*time.Millisecond, op.Duration())
}

func TestEncryptedJournal_RecentNewestFirst(t *testing.T) {
	j, _ := newTestJournal(t)

	kinds := []domain.OperationKind{domain.OpStopSession, domain.OpStartSession, domain.OpInstallService}
	for _, k := range kinds {
		_, err := j.Begin(domain.Operation{Kind: k})
		require.NoError(t, err)
	}

	ops, err := j.Recent(2)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, domain.OpInstallService, ops[0].Kind)
	assert.Equal(t, domain.OpStartSession, ops[1].Kind)
}

func TestEncryptedJournal_FinishUnknown(t *testing.T) {
	j, _ := newTestJournal(t)

	err := j.Finish(domain.Operation{ID: 42, State: domain.OpSucceeded})

	assert.Error(t, err)
}

func TestEncryptedJournal_Encryption(t *testing.T) {
	tests := []struct {
		name   string
		testFn func(t *testing.T)
	}{
		{
			name: "database file has no plaintext",
			testFn: func(t *testing.T) {
				dataDir := t.TempDir()

				j, err := NewEncryptedJournal(dataDir, randomKey(t))
				require.NoError(t, err)
				_, err = j.Begin(domain.Operation{Kind: domain.OpSetDNS, Detail: "resolver-detail-marker"})
				require.NoError(t, err)
				j.Close()

				raw, err := os.ReadFile(filepath.Join(dataDir, journalDBName))
				require.NoError(t, err)
				assert.NotContains(t, string(raw), "resolver-detail-marker")
				assert.NotContains(t, string(raw), "set_dns")
			},
		},
		{
			name: "wrong key fails to open",
			testFn: func(t *testing.T) {
				dataDir := t.TempDir()
				j1, err := NewEncryptedJournal(dataDir, randomKey(t))
				require.NoError(t, err)
				_, err = j1.Begin(domain.Operation{Kind: domain.OpStartSession})
				require.NoError(t, err)
				j1.Close()

				_, err = NewEncryptedJournal(dataDir, randomKey(t))
				assert.Error(t, err)
			},
		},
		{
			name: "OpenJournal reuses the stored key",
			testFn: func(t *testing.T) {
				dataDir := t.TempDir()

				j1, err := OpenJournal(dataDir, nil)
				require.NoError(t, err)
				_, err = j1.Begin(domain.Operation{Kind: domain.OpUnsetDNS})
				require.NoError(t, err)
				j1.Close()

				j2, err := OpenJournal(dataDir, nil)
				require.NoError(t, err)
				defer j2.Close()

				ops, err := j2.Recent(5)
				require.NoError(t, err)
				require.Len(t, ops, 1)
				assert.Equal(t, domain.OpUnsetDNS, ops[0].Kind)
				assert.Equal(t, filepath.Join(dataDir, journalDBName), j2.Path())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFn)
	}
}
