package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndListIssuances(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	for i, device := range []string{"dev-1", "dev-2", "dev-1"} {
		require.NoError(t, l.RecordIssuance(ctx, Issuance{
			LicenseID: "lic-" + string(rune('a'+i)),
			DeviceID:  device,
			Plan:      "monthly",
			Features:  []string{"chat", "voice"},
			KeyID:     "k1",
			IssuedAt:  base.Add(time.Duration(i) * time.Hour),
			ExpiresAt: base.Add(time.Duration(i)*time.Hour + time.Hour),
		}))
	}

	all, err := l.ListIssuances(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "lic-c", all[0].LicenseID, "newest first")

	dev1, err := l.ListIssuances(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, dev1, 2)
	assert.Equal(t, []string{"chat", "voice"}, dev1[0].Features)
	assert.Equal(t, base.Add(2*time.Hour), dev1[0].IssuedAt)
	assert.NotEmpty(t, dev1[0].ID)

	limited, err := l.ListIssuances(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordIssuanceRejectsDuplicatesAndEmptyDevice(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	rec := Issuance{LicenseID: "lic-1", DeviceID: "dev-1", Plan: "lifetime", IssuedAt: time.Now(), ExpiresAt: time.Now()}

	require.NoError(t, l.RecordIssuance(ctx, rec))
	assert.Error(t, l.RecordIssuance(ctx, rec))

	rec.LicenseID = "lic-2"
	rec.DeviceID = " "
	assert.True(t, errors.Is(l.RecordIssuance(ctx, rec), ErrInvalidDeviceID))
}

func TestClaimTrialOncePerDevice(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	first, err := l.ClaimTrial(ctx, "dev-1", now, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, first.Granted)
	assert.Equal(t, now, first.StartedAt)
	assert.Equal(t, now.Add(24*time.Hour), first.ExpiresAt)

	again, err := l.ClaimTrial(ctx, "dev-1", now.Add(72*time.Hour), 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, again.Granted)
	assert.Equal(t, first.StartedAt, again.StartedAt, "original window is reported")

	other, err := l.ClaimTrial(ctx, "dev-2", now, time.Hour)
	require.NoError(t, err)
	assert.True(t, other.Granted)

	_, err = l.ClaimTrial(ctx, "", now, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidDeviceID)
}

func TestClaimTrialConcurrentClaimsGrantOnce(t *testing.T) {
	l := newTestLedger(t)
	now := time.Now()

	var mu sync.Mutex
	granted := 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := l.ClaimTrial(context.Background(), "dev-race", now, time.Hour)
			if err != nil {
				t.Errorf("ClaimTrial: %v", err)
				return
			}
			if g.Granted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	l, err := Open(dir)
	require.NoError(t, err)
	_, err = l.ClaimTrial(context.Background(), "dev-1", time.Now(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, l.Ping(context.Background()))
	require.NoError(t, l.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	g, err := reopened.ClaimTrial(context.Background(), "dev-1", time.Now(), time.Hour)
	require.NoError(t, err)
	assert.False(t, g.Granted)
}
