// kite.go implements the Kite Connect REST adapter.
//
// Every call carries the session header ("token api_key:access_token"), is
// rate-limited through per-category TokenBuckets, and maps the API's error
// envelope onto the classified BrokerError taxonomy:
//
//   - TokenException / 403        → token_invalid (never retried)
//   - 429 / NetworkException      → rate_limited
//   - 5xx                         → network
//   - transport deadline exceeded → timeout
//   - everything else the broker rejects → rejected
//
// The adapter performs no retries itself; attempt accounting is the engine's.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"strategy-runner/internal/config"
	"strategy-runner/pkg/types"
)

const kiteVersion = "3"

// kiteEnvelope is the API's uniform response wrapper.
type kiteEnvelope struct {
	Status    string `json:"status"` // "success" or "error"
	Message   string `json:"message"`
	ErrorType string `json:"error_type"`
	Data      struct {
		OrderID      string  `json:"order_id"`
		AveragePrice float64 `json:"average_price"`
	} `json:"data"`
}

// KiteClient is the Kite Connect order-placement client for one session.
type KiteClient struct {
	http   *resty.Client
	creds  types.Credentials
	rl     *RateLimiter
	logger *slog.Logger
}

// NewKiteClient builds a client bound to one credential set. No retries at
// the HTTP layer: a duplicate market order is worse than a failed one.
func NewKiteClient(creds types.Credentials, cfg config.KiteConfig, logger *slog.Logger) *KiteClient {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("X-Kite-Version", kiteVersion).
		SetHeader("Authorization", "token "+creds.APIKey+":"+creds.AccessToken)

	return &KiteClient{
		http:   httpClient,
		creds:  creds,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "kite"),
	}
}

// SessionChecksum computes the SHA-256 checksum Kite requires when
// exchanging a request token for an access token.
func SessionChecksum(apiKey, requestToken, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	return hex.EncodeToString(sum[:])
}

// PlaceOrder submits a regular MARKET order and returns the broker ack.
func (c *KiteClient) PlaceOrder(ctx context.Context, order types.Order) (types.OrderAck, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		// Budget expired while queued behind the bucket: transient, the
		// engine's retry policy applies.
		return types.OrderAck{}, types.NewBrokerError(types.BrokerRateLimited, "order rate limit: "+err.Error(), "")
	}

	var result kiteEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"tradingsymbol":    order.Symbol,
			"exchange":         "NSE",
			"transaction_type": string(order.Side),
			"order_type":       string(order.Type),
			"quantity":         strconv.FormatInt(order.Quantity, 10),
			"product":          "MIS",
			"validity":         "DAY",
			"tag":              order.Tag,
		}).
		SetResult(&result).
		SetError(&result).
		Post("/orders/regular")
	if err != nil {
		return types.OrderAck{}, classifyTransport(err)
	}
	if resp.StatusCode() != http.StatusOK || result.Status != "success" {
		return types.OrderAck{}, classifyResponse(resp.StatusCode(), result, resp.String())
	}

	ack := types.OrderAck{OrderID: result.Data.OrderID, Raw: resp.String()}
	if result.Data.AveragePrice > 0 {
		avg := types.RoundPrice(decimal.NewFromFloat(result.Data.AveragePrice))
		ack.AvgPrice = &avg
	}
	c.logger.Info("order placed",
		"symbol", order.Symbol,
		"side", string(order.Side),
		"quantity", order.Quantity,
		"order_id", ack.OrderID,
	)
	return ack, nil
}

// ValidateCredentials fetches the user profile; a TokenException here means
// the access token has expired and every subsequent order would fail.
func (c *KiteClient) ValidateCredentials(ctx context.Context) error {
	if err := c.rl.Meta.Wait(ctx); err != nil {
		return types.NewBrokerError(types.BrokerRateLimited, "meta rate limit: "+err.Error(), "")
	}

	var result kiteEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetError(&result).
		Get("/user/profile")
	if err != nil {
		return classifyTransport(err)
	}
	if resp.StatusCode() != http.StatusOK || result.Status != "success" {
		return classifyResponse(resp.StatusCode(), result, resp.String())
	}
	return nil
}

// Close is a no-op; resty connections are pooled by the transport.
func (c *KiteClient) Close() error { return nil }

func classifyTransport(err error) *types.BrokerError {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewBrokerError(types.BrokerTimeout, "broker call deadline exceeded", "")
	}
	return types.NewBrokerError(types.BrokerNetwork, err.Error(), "")
}

func classifyResponse(status int, env kiteEnvelope, raw string) *types.BrokerError {
	reason := env.Message
	if reason == "" {
		reason = fmt.Sprintf("status %d", status)
	}
	switch {
	case env.ErrorType == "TokenException" || status == http.StatusForbidden:
		return types.NewBrokerError(types.BrokerTokenInvalid, reason, raw)
	case status == http.StatusTooManyRequests:
		return types.NewBrokerError(types.BrokerRateLimited, reason, raw)
	case status >= 500:
		return types.NewBrokerError(types.BrokerNetwork, reason, raw)
	default:
		return types.NewBrokerError(types.BrokerRejected, reason, raw)
	}
}
