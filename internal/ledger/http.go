package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPConfig configures the REST client.
type HTTPConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
	// RetryCount is resty's own retry on 5xx. Race workers already retry,
	// so this is normally 0.
	RetryCount int `mapstructure:"retry_count"`
}

// HTTPClient is the ledger REST API client:
//   - ClaimWithSponsor: POST /v1/transactions/claim
//   - Transfer:         POST /v1/transactions/transfer
type HTTPClient struct {
	http   *resty.Client
	clock  func() time.Time
	logger *slog.Logger
}

// NewHTTPClient creates a REST client for the ledger at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(50 * time.Millisecond).
		SetRetryMaxWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &HTTPClient{
		http:   httpClient,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "ledger_http"),
	}
}

type claimPayload struct {
	Type           string `json:"type"`
	WalletAddress  string `json:"wallet_address"`
	SponsorAddress string `json:"sponsor_address"`
	Fee            string `json:"fee"`
	Timestamp      string `json:"timestamp"`
}

type transferPayload struct {
	Type        string `json:"type"`
	FromAddress string `json:"from_address"`
	ToAddress   string `json:"to_address"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee"`
	Memo        string `json:"memo"`
	Timestamp   string `json:"timestamp"`
}

type txResponse struct {
	TransactionID string `json:"transaction_id"`
	AmountClaimed string `json:"amount_claimed"`
	FeePaid       string `json:"fee_paid"`
	Status        string `json:"status"`
}

// ClaimWithSponsor submits a sponsored claim.
func (c *HTTPClient) ClaimWithSponsor(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	now := c.clock()
	var out txResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(claimPayload{
			Type:           "claim",
			WalletAddress:  req.Wallet,
			SponsorAddress: req.Sponsor,
			Fee:            strconv.FormatUint(req.Fee, 10),
			Timestamp:      now.Format(time.RFC3339),
		}).
		SetResult(&out).
		Post("/v1/transactions/claim")
	if err := checkResponse("claim", resp, err); err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{
		TransactionID: txID(out.TransactionID),
		Amount:        parseUnits(out.AmountClaimed, 0),
		Fee:           parseUnits(out.FeePaid, req.Fee),
		Timestamp:     now,
	}, nil
}

// Transfer submits a transfer.
func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	now := c.clock()
	var out txResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(transferPayload{
			Type:        "transfer",
			FromAddress: req.From,
			ToAddress:   req.To,
			Amount:      strconv.FormatUint(req.Amount, 10),
			Fee:         strconv.FormatUint(req.Fee, 10),
			Memo:        req.Memo,
			Timestamp:   now.Format(time.RFC3339),
		}).
		SetResult(&out).
		Post("/v1/transactions/transfer")
	if err := checkResponse("transfer", resp, err); err != nil {
		return TransferResult{}, err
	}
	return TransferResult{
		TransactionID: txID(out.TransactionID),
		Amount:        req.Amount,
		Fee:           parseUnits(out.FeePaid, req.Fee),
		Timestamp:     now,
	}, nil
}

// checkResponse classifies a transport error or non-2xx status.
func checkResponse(op string, resp *resty.Response, err error) error {
	if err != nil {
		return NewError(KindNetwork, op+" request failed", err)
	}
	if resp.IsSuccess() {
		return nil
	}
	body := resp.String()
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return NewError(KindRateLimited, op+" rate limited", nil)
	case resp.StatusCode() == http.StatusBadRequest && strings.Contains(strings.ToLower(body), "insufficient"):
		return NewError(KindInsufficientBalance, body, nil)
	default:
		return NewError(KindAPI, fmt.Sprintf("%s failed: status %d: %s", op, resp.StatusCode(), body), nil)
	}
}

func txID(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

func parseUnits(s string, fallback uint64) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
