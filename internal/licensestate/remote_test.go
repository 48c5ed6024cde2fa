package licensestate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/shopcalc/pkg/licensing"
)

func TestNewRemoteClientRequiresURL(t *testing.T) {
	_, err := NewRemoteClient("  ", 0, nil)
	assert.ErrorIs(t, err, licensing.ErrConfiguration)
}

func TestRemoteVerify(t *testing.T) {
	exp := "2026-06-01T00:00:00Z"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/license/verify", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req licensing.VerifyRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.DeviceID == testDevice {
			licensing.WriteJSON(w, http.StatusOK, licensing.VerifyResponse{Valid: true, Plan: "monthly", ExpiresAt: &exp})
			return
		}
		licensing.WriteJSON(w, http.StatusOK, licensing.NewVerifyResponse(licensing.InvalidResult(licensing.CodeDeviceMismatch), time.Now()))
	}))
	defer srv.Close()

	client, err := NewRemoteClient(srv.URL+"/", time.Second, nil)
	require.NoError(t, err)

	result, err := client.Verify(context.Background(), "a.b.c", testDevice)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, licensing.PlanMonthly, result.Plan)
	assert.Equal(t, exp, result.ExpiresAt.Format(time.RFC3339))

	result, err = client.Verify(context.Background(), "a.b.c", "machine-456")
	require.NoError(t, err, "a rejection is a result, not an error")
	assert.False(t, result.Valid)
	assert.Equal(t, licensing.CodeDeviceMismatch, result.Reason)
}

func TestRemoteErrorsMapToCodes(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch status {
		case http.StatusUnauthorized:
			licensing.WriteError(w, licensing.CodeUnauthorized, "")
		case http.StatusBadRequest:
			licensing.WriteError(w, licensing.CodeInvalidRequest, "deviceId is required")
		default:
			w.WriteHeader(status)
		}
	}))
	defer srv.Close()

	client, err := NewRemoteClient(srv.URL, time.Second, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = client.Verify(ctx, "a.b.c", testDevice)
	assert.ErrorIs(t, err, licensing.ErrNetwork)

	status = http.StatusBadGateway
	_, err = client.ClaimTrial(ctx, testDevice)
	assert.ErrorIs(t, err, licensing.ErrNetwork)

	status = http.StatusUnauthorized
	_, err = client.Issue(ctx, licensing.IssueRequest{DeviceID: testDevice}, "wrong")
	assert.ErrorIs(t, err, licensing.ErrUnauthorized)

	status = http.StatusBadRequest
	_, err = client.Issue(ctx, licensing.IssueRequest{}, "")
	assert.ErrorIs(t, err, licensing.ErrInvalidRequest)
	assert.Contains(t, err.Error(), "deviceId is required")
}

func TestRemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := NewRemoteClient(url, time.Second, nil)
	require.NoError(t, err)
	_, err = client.Verify(context.Background(), "a.b.c", testDevice)
	assert.ErrorIs(t, err, licensing.ErrNetwork)
}

func TestRemoteTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	client, err := NewRemoteClient(srv.URL, 50*time.Millisecond, nil)
	require.NoError(t, err)
	_, err = client.ClaimTrial(context.Background(), testDevice)
	assert.ErrorIs(t, err, licensing.ErrNetwork)
}

func TestRemoteClaimTrialFeedsController(t *testing.T) {
	clock := &testClock{now: testEpoch}
	started := testEpoch.Add(-time.Hour)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/trial/claim", r.URL.Path)
		licensing.WriteJSON(w, http.StatusOK, licensing.TrialClaimResponse{
			Granted:   false,
			StartedAt: started.Format(time.RFC3339),
			ExpiresAt: started.Add(licensing.DefaultTrialDuration).Format(time.RFC3339),
			Reason:    string(licensing.TrialDeniedLedger),
		})
	}))
	defer srv.Close()

	client, err := NewRemoteClient(srv.URL, time.Second, nil)
	require.NoError(t, err)

	c := newTestController(t, clock, &MemoryStore{}, Options{TrialLedger: client})
	decision, err := c.GrantTrial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, licensing.TrialDeniedLedger, decision.Reason)

	snap := c.Snapshot()
	require.NotNil(t, snap.ExpiresAt)
	assert.True(t, snap.ExpiresAt.Equal(started.Add(licensing.DefaultTrialDuration)))
}
