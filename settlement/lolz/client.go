/*
Package lolz implements the settlement collaborator for the lzt.market
balance transfer API.

PURPOSE:
  Answers one question for the reconciler: which transfers carry this
  correlation code? It never moves money. It also renders the transfer link
  a payer follows, with the code prefilled as the transfer comment.

API:
  GET {api_url}/user/payments?comment={code}
  Authorization: Bearer {token}   (omitted when no token is configured)

  {"payments": {"<id>": {"operation_id": 1, "payment_status": "success_in",
                         "operation_type": "receiving_money",
                         "incoming_sum": "500", "sum": "500", ...}}}

  An empty result may arrive as "payments": [] instead of an object.

FAILURES:
  401, 403               shop.ErrSettlementUnauthorized (not retried)
  429, 5xx, network      retried with exponential backoff, then
                         shop.ErrSettlementUnreachable
  other status, bad body shop.ErrSettlementUnreachable

SEE ALSO:
  - shop/settlement.go: SettlementLookup and PayLinkBuilder
  - shop/reconcile.go: How transfers are matched
*/
package lolz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/storefront/logger"
	"github.com/warp/storefront/shop"
)

const (
	DefaultAPIURL = "https://prod-api.lzt.market"

	statusSuccessIn    = "success_in"
	typeReceivingMoney = "receiving_money"
)

// Config configures the payments client. Zero durations take defaults.
type Config struct {
	APIURL  string
	Token   string
	Timeout time.Duration

	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// Client queries the marketplace for transfers by comment.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ shop.SettlementLookup = (*Client)(nil)

// New creates a client.
func New(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.MaxElapsedTime <= 0 {
		cfg.MaxElapsedTime = 20 * time.Second
	}
	if cfg.Token == "" {
		logger.Warn("lolz api token is empty, payment lookups will be unauthenticated")
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// FindTransfers implements shop.SettlementLookup.
func (c *Client) FindTransfers(ctx context.Context, code string) ([]shop.Transfer, error) {
	endpoint := c.cfg.APIURL + "/user/payments?" + url.Values{"comment": {code}}.Encode()

	body, err := c.get(ctx, endpoint)
	if err != nil {
		if errors.Is(err, shop.ErrSettlementUnauthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", shop.ErrSettlementUnreachable, err)
	}

	transfers, err := parsePayments(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shop.ErrSettlementUnreachable, err)
	}
	logger.DebugCtx(ctx, "lolz payments fetched",
		zap.String("code", code),
		zap.Int("transfers", len(transfers)),
	)
	return transfers, nil
}

// get performs the request with exponential backoff on 429, 5xx and
// network errors.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	var respBody []byte

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("failed to perform request: %w", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				logger.Warn("failed to close response body", zap.Error(err))
			}
		}()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: status %d", shop.ErrSettlementUnauthorized, resp.StatusCode))
		case resp.StatusCode == http.StatusTooManyRequests:
			logger.WarnCtx(ctx, "lolz rate limited, retrying with backoff")
			return fmt.Errorf("rate limited (429)")
		case resp.StatusCode >= 500:
			return fmt.Errorf("server error %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(b)))
		}

		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to read response body: %w", err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	b.MaxElapsedTime = c.cfg.MaxElapsedTime
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return respBody, nil
}

// =============================================================================
// PAYLOAD
// =============================================================================

type paymentsResponse struct {
	Payments json.RawMessage `json:"payments"`
}

type payment struct {
	OperationID   json.RawMessage `json:"operation_id"`
	PaymentStatus string          `json:"payment_status"`
	OperationType string          `json:"operation_type"`
	IncomingSum   json.RawMessage `json:"incoming_sum"`
	Sum           json.RawMessage `json:"sum"`
}

// parsePayments maps the payments object to transfers ordered by key.
// Entries whose amount cannot be parsed are skipped. An entry with no amount
// at all is kept with amount zero so it still reports as a mismatch.
func parsePayments(body []byte) ([]shop.Transfer, error) {
	var resp paymentsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode payments: %w", err)
	}

	raw := bytes.TrimSpace(resp.Payments)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || raw[0] == '[' {
		return []shop.Transfer{}, nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode payments: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]shop.Transfer, 0, len(entries))
	for _, key := range keys {
		var p payment
		if err := json.Unmarshal(entries[key], &p); err != nil {
			logger.Warn("skipping undecodable payment", zap.String("key", key), zap.Error(err))
			continue
		}
		amount, err := decimal.NewFromString(amountText(p))
		if err != nil {
			logger.Warn("skipping payment with unreadable amount", zap.String("key", key), zap.Error(err))
			continue
		}

		t := shop.Transfer{
			SettlementID: scalar(p.OperationID),
			Status:       shop.TransferOther,
			Direction:    shop.DirectionOutgoing,
			Amount:       amount,
			Raw:          entries[key],
		}
		if t.SettlementID == "" {
			t.SettlementID = key
		}
		if p.PaymentStatus == statusSuccessIn {
			t.Status = shop.TransferReceived
		}
		if p.OperationType == typeReceivingMoney {
			t.Direction = shop.DirectionIncoming
		}
		out = append(out, t)
	}
	return out, nil
}

// amountText picks incoming_sum, falling back to sum only when incoming_sum
// is absent, null, empty or the number zero. A present but malformed
// incoming_sum is returned as is.
func amountText(p payment) string {
	for _, raw := range []json.RawMessage{p.IncomingSum, p.Sum} {
		if s := scalar(raw); s != "" && !numericZero(raw) {
			return s
		}
	}
	return "0"
}

// numericZero reports a JSON number equal to zero. The string "0" is not one.
func numericZero(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return false
	}
	d, err := decimal.NewFromString(string(raw))
	return err == nil && d.IsZero()
}

// scalar renders a JSON string or number as text.
func scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}
