package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inffits/internal"
	"inffits/internal/config"
	"inffits/internal/measure"
)

const EndpointPath = "/inffits_account_register_and_retrieve_data/model"

var ErrUnauthorized = errors.New("account api: unauthorized")

const maxAttempts = 3

type Client struct {
	cfg        config.Config
	httpClient *http.Client
	limiter    *RateLimiter
	backoff    func(attempt int) time.Duration
}

type Response struct {
	AccessToken string
	BodyData    map[internal.Slot]internal.MeasurementRecord
	InfID       string
}

type apiResponse struct {
	AccessToken string                    `json:"access_token"`
	BodyData    map[string]map[string]any `json:"BodyData"`
	InfID       any                       `json:"INF_ID"`
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.APITimeoutMs) * time.Millisecond},
		limiter:    NewRateLimiter(cfg.APIRateLimitRPS),
		backoff: func(attempt int) time.Duration {
			return time.Duration(250*(1<<(attempt-1))+rand.Intn(100)) * time.Millisecond
		},
	}
}

func credentialFields(cred internal.Credential) map[string]any {
	return map[string]any{
		"credential": cred.AccessToken,
		"sub":        cred.SubjectID,
		"IDTYPE":     internal.IDTypeGoogle,
	}
}

// Retrieve is the plain credential lookup: it registers the account on first use
// and returns the stored snapshot.
func (c *Client) Retrieve(ctx context.Context, cred internal.Credential) (*Response, error) {
	return c.post(ctx, credentialFields(cred))
}

func (c *Client) Refresh(ctx context.Context, sub string) (*Response, error) {
	return c.post(ctx, map[string]any{
		"IDTYPE":             internal.IDTypeGoogle,
		"sub":                sub,
		"refresh_token_proc": "1",
	})
}

func (c *Client) UpdateBodyData(ctx context.Context, cred internal.Credential, slot internal.Slot, rec internal.MeasurementRecord) (*Response, error) {
	payload := credentialFields(cred)
	payload["BodyData"] = map[string]internal.MeasurementRecord{string(slot): measure.Normalize(rec)}
	payload["BodyData_ptr"] = string(slot)
	payload["update_bodydata"] = true
	return c.post(ctx, payload)
}

func (c *Client) DeleteBodyData(ctx context.Context, cred internal.Credential, slot internal.Slot) (*Response, error) {
	payload := credentialFields(cred)
	payload["BodyData_ptr"] = string(slot)
	payload["delete_bodydata"] = true
	return c.post(ctx, payload)
}

func (c *Client) DeleteUser(ctx context.Context, cred internal.Credential) (*Response, error) {
	payload := credentialFields(cred)
	payload["delete_user"] = true
	return c.post(ctx, payload)
}

func (c *Client) post(ctx context.Context, payload map[string]any) (*Response, error) {
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(c.cfg.APIBaseURL, "/") + EndpointPath

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.WaitTurn(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(blob))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			if isRetryableStatus(resp.StatusCode) && attempt < maxAttempts {
				lastErr = fmt.Errorf("account api status %d", resp.StatusCode)
				if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
					return nil, err
				}
				continue
			}
			return nil, fmt.Errorf("account api error: status=%d body=%s", resp.StatusCode, string(body))
		}

		return decodeResponse(body)
	}

	if lastErr == nil {
		lastErr = errors.New("account request failed")
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func decodeResponse(body []byte) (*Response, error) {
	out := &Response{}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	var raw apiResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode account response: %w", err)
	}
	out.AccessToken = strings.TrimSpace(raw.AccessToken)
	out.InfID = toString(raw.InfID)
	if raw.BodyData != nil {
		out.BodyData = make(map[internal.Slot]internal.MeasurementRecord, len(raw.BodyData))
		for slot, fields := range raw.BodyData {
			out.BodyData[internal.Slot(slot)] = toRecord(fields)
		}
	}
	return out, nil
}

// toRecord accepts the loosely typed values the API stores (numbers or strings).
func toRecord(fields map[string]any) internal.MeasurementRecord {
	rec := internal.MeasurementRecord{
		HV:     toString(fields["HV"]),
		WV:     toString(fields["WV"]),
		CC:     toString(fields["CC"]),
		Gender: toString(fields["Gender"]),
		FitP:   toString(fields["FitP"]),
		FH:     toString(fields["FH"]),
		FW:     toString(fields["FW"]),
		FCir:   toString(fields["FCir"]),
	}
	return measure.Normalize(rec)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
