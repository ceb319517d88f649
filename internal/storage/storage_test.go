package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandmonitor/internal/ledger"
	"bandmonitor/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAddAndFetchAccount(t *testing.T) {
	store := openTestStore(t)

	id, err := store.AddAccount("alice@example.com", "hunter2")
	require.NoError(t, err)
	require.NotZero(t, id)

	acc, err := store.Account(id)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", acc.Username)
	assert.Equal(t, "hunter2", acc.Password)
	assert.Equal(t, models.StatusStopped, acc.Status)
	assert.Equal(t, 10, acc.Target)
	assert.Nil(t, acc.LastUpdated)
}

func TestAccountNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Account(404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateUsernameRejected(t *testing.T) {
	store := openTestStore(t)

	_, err := store.AddAccount("alice@example.com", "a")
	require.NoError(t, err)
	_, err = store.AddAccount("alice@example.com", "b")
	assert.Error(t, err)
}

func TestCaptureBaselineIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	id, err := store.AddAccount("alice@example.com", "pw")
	require.NoError(t, err)

	require.NoError(t, store.CaptureBaseline(id, 5, 2))
	// A second capture must not move the zero point.
	require.NoError(t, store.CaptureBaseline(id, 99, 99))

	acc, err := store.Account(id)
	require.NoError(t, err)
	assert.Equal(t, 5, acc.InitialMembers)
	assert.Equal(t, 2, acc.InitialRequests)
	assert.Equal(t, 5, acc.CurrentMembers)
	assert.Equal(t, 2, acc.CurrentRequests)
	assert.Equal(t, 0, acc.Delta)
}

func TestApplyCounterUpdateComputesClampedDelta(t *testing.T) {
	store := openTestStore(t)
	id, err := store.AddAccount("alice@example.com", "pw")
	require.NoError(t, err)
	require.NoError(t, store.CaptureBaseline(id, 5, 2))

	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, store.ApplyCounterUpdate(id, 8, 3, ts))

	acc, err := store.Account(id)
	require.NoError(t, err)
	assert.Equal(t, 4, acc.Delta)
	require.NotNil(t, acc.LastUpdated)
	assert.True(t, acc.LastUpdated.Equal(ts))

	// A drop below the baseline clamps at zero rather than going negative.
	require.NoError(t, store.ApplyCounterUpdate(id, 1, 0, ts.Add(time.Minute)))
	acc, err = store.Account(id)
	require.NoError(t, err)
	assert.Equal(t, 0, acc.Delta)
	assert.Equal(t, 1, acc.CurrentMembers)
}

func TestStatusTransitionsAndRunningQuery(t *testing.T) {
	store := openTestStore(t)
	first, err := store.AddAccount("alice@example.com", "pw")
	require.NoError(t, err)
	second, err := store.AddAccount("bob@example.com", "pw")
	require.NoError(t, err)

	require.NoError(t, store.SetStatus(first, models.StatusRunning))
	require.NoError(t, store.SetStatus(second, models.StatusPaused))

	running, err := store.RunningAccounts()
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, first, running[0].ID)

	require.NoError(t, store.ResetRunning())
	running, err = store.RunningAccounts()
	require.NoError(t, err)
	assert.Empty(t, running)

	acc, err := store.Account(second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, acc.Status)
}

func TestSetBandNameRequiresBandID(t *testing.T) {
	store := openTestStore(t)
	id, err := store.AddAccount("alice@example.com", "pw")
	require.NoError(t, err)

	require.NoError(t, store.SetBandName(id, "Jazz Club"))
	acc, err := store.Account(id)
	require.NoError(t, err)
	assert.Empty(t, acc.BandName)

	require.NoError(t, store.SetBandID(id, "12345678"))
	require.NoError(t, store.SetBandName(id, "Jazz Club"))
	acc, err = store.Account(id)
	require.NoError(t, err)
	assert.Equal(t, "Jazz Club", acc.BandName)
	assert.Equal(t, "https://band.us/band/12345678/member", acc.MemberURL())
}

func TestTargetNotesAndDelete(t *testing.T) {
	store := openTestStore(t)
	id, err := store.AddAccount("alice@example.com", "pw")
	require.NoError(t, err)

	require.NoError(t, store.SetTargetAndNotes(id, 25, "priority account"))
	acc, err := store.Account(id)
	require.NoError(t, err)
	assert.Equal(t, 25, acc.Target)
	assert.Equal(t, "priority account", acc.Notes)

	require.NoError(t, store.Delete(id))
	_, err = store.Account(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJournalModeIsWAL(t *testing.T) {
	store := openTestStore(t)

	var mode string
	require.NoError(t, store.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestConcurrentCounterUpdates(t *testing.T) {
	store := openTestStore(t)

	ids := make([]int64, 8)
	for i := range ids {
		id, err := store.AddAccount(fmt.Sprintf("user%d@example.com", i), "pw")
		require.NoError(t, err)
		require.NoError(t, store.CaptureBaseline(id, 5, 2))
		ids[i] = id
	}

	// Every pooled connection must carry the busy timeout, or parallel
	// writers surface "database is locked" here.
	var wg sync.WaitGroup
	errs := make(chan error, len(ids)*20)
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				if err := store.ApplyCounterUpdate(id, 5+n, 2, time.Now()); err != nil {
					errs <- err
				}
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent update: %v", err)
	}

	for _, id := range ids {
		acc, err := store.Account(id)
		require.NoError(t, err)
		assert.Equal(t, 19, acc.Delta)
	}
}

func TestCountersMatchInMemoryAccounting(t *testing.T) {
	store := openTestStore(t)

	id, err := store.AddAccount("carol@example.com", "pw")
	require.NoError(t, err)

	mirror, err := store.Account(id)
	require.NoError(t, err)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	baseline := models.Snapshot{Members: 5, Requests: 2}
	ledger.CaptureBaseline(&mirror, baseline)
	require.NoError(t, store.CaptureBaseline(id, baseline.Members, baseline.Requests))

	for _, snap := range []models.Snapshot{
		{Members: 8, Requests: 3},
		{Members: 1, Requests: 0},
		{Members: 12, Requests: 5},
	} {
		ledger.ApplyUpdate(&mirror, snap, now)
		require.NoError(t, store.ApplyCounterUpdate(id, snap.Members, snap.Requests, now))

		acc, err := store.Account(id)
		require.NoError(t, err)
		assert.Equal(t, mirror.InitialMembers, acc.InitialMembers)
		assert.Equal(t, mirror.InitialRequests, acc.InitialRequests)
		assert.Equal(t, mirror.CurrentMembers, acc.CurrentMembers)
		assert.Equal(t, mirror.CurrentRequests, acc.CurrentRequests)
		assert.Equal(t, mirror.Delta, acc.Delta)
	}
}
