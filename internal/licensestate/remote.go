package licensestate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rcourtman/shopcalc/internal/logging"
	"github.com/rcourtman/shopcalc/internal/netutil"
	"github.com/rcourtman/shopcalc/pkg/licensing"
)

// DefaultRemoteTimeout bounds every call to the license server.
const DefaultRemoteTimeout = 10 * time.Second

const maxResponseBytes = 64 << 10

// RemoteClient talks to the license server. Transport failures, timeouts
// and 5xx responses surface as NETWORK_ERROR so callers can retry.
type RemoteClient struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewRemoteClient builds a client for baseURL. A nil httpClient gets a
// DNS-caching client with the given timeout.
func NewRemoteClient(baseURL string, timeout time.Duration, httpClient *http.Client) (*RemoteClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, licensing.NewError(licensing.CodeConfiguration, "license server URL is required", nil)
	}
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	if httpClient == nil {
		httpClient = netutil.NewHTTPClient(timeout)
	}
	return &RemoteClient{baseURL: baseURL, client: httpClient, now: time.Now}, nil
}

// Verify asks the server whether token is valid for deviceID.
func (c *RemoteClient) Verify(ctx context.Context, token, deviceID string) (licensing.VerificationResult, error) {
	var resp licensing.VerifyResponse
	err := c.post(ctx, "/api/license/verify", licensing.VerifyRequest{Token: token, DeviceID: deviceID}, nil, &resp)
	if err != nil {
		return licensing.VerificationResult{}, err
	}
	return resp.Result(c.now())
}

// ClaimTrial asks the server trial ledger to record the device's trial.
func (c *RemoteClient) ClaimTrial(ctx context.Context, deviceID string) (TrialClaim, error) {
	var resp licensing.TrialClaimResponse
	if err := c.post(ctx, "/api/trial/claim", licensing.TrialClaimRequest{DeviceID: deviceID}, nil, &resp); err != nil {
		return TrialClaim{}, err
	}
	claim := TrialClaim{Granted: resp.Granted}
	var err error
	if claim.StartedAt, err = time.Parse(time.RFC3339, resp.StartedAt); err != nil {
		return TrialClaim{}, licensing.NewError(licensing.CodeMalformed, "unparseable trial start", err)
	}
	if claim.ExpiresAt, err = time.Parse(time.RFC3339, resp.ExpiresAt); err != nil {
		return TrialClaim{}, licensing.NewError(licensing.CodeMalformed, "unparseable trial expiry", err)
	}
	return claim, nil
}

// Issue requests a credential using the operator secret.
func (c *RemoteClient) Issue(ctx context.Context, req licensing.IssueRequest, operatorSecret string) (licensing.IssueResponse, error) {
	var resp licensing.IssueResponse
	headers := map[string]string{}
	if operatorSecret != "" {
		headers[licensing.OperatorSecretHeader] = operatorSecret
	}
	err := c.post(ctx, "/api/license/issue", req, headers, &resp)
	return resp, err
}

func (c *RemoteClient) post(ctx context.Context, path string, body any, headers map[string]string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return licensing.NewError(licensing.CodeConfiguration, "invalid license server URL", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id := logging.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return licensing.NewError(licensing.CodeNetworkError, "license server unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return licensing.NewError(licensing.CodeNetworkError, "reading license server response", err)
	}

	if resp.StatusCode >= 500 {
		return licensing.NewError(licensing.CodeNetworkError, fmt.Sprintf("license server returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return responseError(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return licensing.NewError(licensing.CodeMalformed, "unparseable license server response", err)
	}
	return nil
}

func responseError(status int, data []byte) error {
	var body licensing.ErrorResponse
	_ = json.Unmarshal(data, &body)

	code := licensing.Code(body.Error)
	switch {
	case code != "" && licensing.StatusForCode(code) == status:
	case status == http.StatusUnauthorized:
		code = licensing.CodeUnauthorized
	default:
		code = licensing.CodeInvalidRequest
	}
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	return licensing.NewError(code, msg, errors.New(http.StatusText(status)))
}
