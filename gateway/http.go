package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	circuit "github.com/rubyist/circuitbreaker"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/box-office/boxoffice"
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultBreakerThreshold = 5
)

type HTTPConfig struct {
	BaseURL          string
	APIKey           string
	Timeout          time.Duration
	BreakerThreshold int64
}

// HTTP talks to a provider's JSON API:
//
//	POST /charges               create or replay a charge
//	GET  /charges/{key}         charge status
//	POST /charges/{key}/refund  full refund
//	GET  /charges?since=RFC3339 settlement records
//
// Transport failures and 5xx responses are reported as
// boxoffice.ErrGatewayUnavailable. Consecutive transport failures open the
// breaker.
type HTTP struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *circuit.HTTPClient
}

var (
	_ boxoffice.Gateway         = (*HTTP)(nil)
	_ boxoffice.ProviderRecords = (*HTTP)(nil)
)

func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	client := circuit.NewHTTPClient(cfg.Timeout, cfg.BreakerThreshold, &http.Client{Timeout: cfg.Timeout})
	client.BreakerTripped = func() {
		zap.L().Warn("Payment provider breaker opened", zap.String("base_url", cfg.BaseURL))
	}
	client.BreakerReset = func() {
		zap.L().Info("Payment provider breaker closed", zap.String("base_url", cfg.BaseURL))
	}
	return &HTTP{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		client:  client,
	}
}

type chargeBody struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	Method         string            `json:"method"`
	UserID         string            `json:"user_id,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`
}

type chargeResponse struct {
	IdempotencyKey    string `json:"idempotency_key"`
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
	FailureReason     string `json:"failure_reason,omitempty"`
	Amount            string `json:"amount,omitempty"`
	Currency          string `json:"currency,omitempty"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

type refundBody struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type recordsResponse struct {
	Records []chargeResponse `json:"records"`
}

func (h *HTTP) Charge(ctx context.Context, req boxoffice.ChargeRequest) (boxoffice.ChargeResult, error) {
	body := chargeBody{
		IdempotencyKey: req.IdempotencyKey,
		Amount:         req.Amount.Value.String(),
		Currency:       string(req.Amount.Currency),
		Method:         string(req.Method),
		UserID:         req.UserID,
		Payload:        req.Payload,
	}
	var out chargeResponse
	status, err := h.do(ctx, http.MethodPost, "/charges", req.IdempotencyKey, body, &out)
	if err != nil {
		return boxoffice.ChargeResult{}, err
	}
	if status >= 400 && out.Status == "" {
		return boxoffice.ChargeResult{Status: boxoffice.ChargeFailed, FailureReason: http.StatusText(status)}, nil
	}
	return toResult(out)
}

func (h *HTTP) Status(ctx context.Context, key string) (boxoffice.ChargeResult, error) {
	var out chargeResponse
	status, err := h.do(ctx, http.MethodGet, "/charges/"+url.PathEscape(key), "", nil, &out)
	if err != nil {
		return boxoffice.ChargeResult{}, err
	}
	if status == http.StatusNotFound {
		return boxoffice.ChargeResult{}, fmt.Errorf("charge %s: %w", key, boxoffice.ErrChargeNotFound)
	}
	if status >= 400 {
		return boxoffice.ChargeResult{}, fmt.Errorf("charge %s status: provider returned %d", key, status)
	}
	return toResult(out)
}

// Refund is sent with the idempotency key refund:<key>, so the provider
// applies it once however often it is repeated.
func (h *HTTP) Refund(ctx context.Context, key string, amount boxoffice.Money) error {
	body := refundBody{Amount: amount.Value.String(), Currency: string(amount.Currency)}
	status, err := h.do(ctx, http.MethodPost, "/charges/"+url.PathEscape(key)+"/refund", "refund:"+key, body, nil)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("charge %s: %w", key, boxoffice.ErrChargeNotFound)
	case status >= 400:
		return fmt.Errorf("refund %s: provider returned %d", key, status)
	}
	return nil
}

func (h *HTTP) Records(ctx context.Context, since time.Time) ([]boxoffice.ProviderRecord, error) {
	var out recordsResponse
	path := "/charges?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	status, err := h.do(ctx, http.MethodGet, path, "", nil, &out)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("list records: provider returned %d", status)
	}

	records := make([]boxoffice.ProviderRecord, 0, len(out.Records))
	for _, r := range out.Records {
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return nil, fmt.Errorf("record %s: invalid amount %q", r.IdempotencyKey, r.Amount)
		}
		updated, _ := time.Parse(time.RFC3339Nano, r.UpdatedAt)
		records = append(records, boxoffice.ProviderRecord{
			IdempotencyKey:    r.IdempotencyKey,
			ExternalReference: r.ExternalReference,
			Amount:            boxoffice.Money{Value: amount, Currency: boxoffice.Currency(r.Currency)},
			Status:            boxoffice.ChargeStatus(r.Status),
			UpdatedAt:         updated,
		})
	}
	return records, nil
}

// do sends one request through the breaker. Only transport failures and
// 5xx responses are errors; other statuses are returned to the caller.
func (h *HTTP) do(ctx context.Context, method, path, idempotencyKey string, body, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w: %w", method, path, boxoffice.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("%s %s: %w: provider returned %d",
			method, path, boxoffice.ErrGatewayUnavailable, resp.StatusCode)
	}
	if out != nil && resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func toResult(r chargeResponse) (boxoffice.ChargeResult, error) {
	status := boxoffice.ChargeStatus(r.Status)
	switch status {
	case boxoffice.ChargeSucceeded, boxoffice.ChargeFailed, boxoffice.ChargePending, boxoffice.ChargeRefunded:
	default:
		return boxoffice.ChargeResult{}, fmt.Errorf("%w: unknown charge status %q", boxoffice.ErrGatewayUnavailable, r.Status)
	}
	return boxoffice.ChargeResult{
		Status:            status,
		ExternalReference: r.ExternalReference,
		FailureReason:     r.FailureReason,
	}, nil
}
