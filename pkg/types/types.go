// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the execution core — strategy
// configuration, runtime state, queue events, broker orders, and the broker
// error taxonomy. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the supported order lifecycles.
// The core only places market orders; limit/SL-M variants are out of scope.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
)

// EventKind tags an EventRecord on the runtime FIFO. The engine switches on
// this exhaustively; adding a kind without an engine arm is a bug.
type EventKind string

const (
	EventBuy         EventKind = "BUY"
	EventSell        EventKind = "SELL"
	EventStopLoss    EventKind = "STOPLOSS"
	EventRetry       EventKind = "RETRY"
	EventSafetyAbort EventKind = "SAFETY_ABORT"
	EventStop        EventKind = "STOP"
)

// Lifecycle is the coarse strategy state machine. Terminal states are
// absorbing: no event moves a strategy out of them.
type Lifecycle string

const (
	LifecycleCreated  Lifecycle = "created"
	LifecycleReady    Lifecycle = "ready"
	LifecycleRunning  Lifecycle = "running"
	LifecycleBought   Lifecycle = "bought"
	LifecycleSold     Lifecycle = "sold"
	LifecycleExitedSL Lifecycle = "exited_by_sl"
	LifecycleStopped  Lifecycle = "stopped"
	LifecycleFailed   Lifecycle = "failed"
)

// IsTerminal reports whether the lifecycle admits no further transitions.
func (l Lifecycle) IsTerminal() bool {
	switch l {
	case LifecycleSold, LifecycleExitedSL, LifecycleStopped, LifecycleFailed:
		return true
	}
	return false
}

// PositionState tracks whether the strategy currently holds the instrument.
type PositionState string

const (
	PositionNone     PositionState = "none"
	PositionBought   PositionState = "bought"
	PositionSold     PositionState = "sold"
	PositionExitedSL PositionState = "exited_by_sl"
)

// Action records the last order-placing action taken for a strategy.
type Action string

const (
	ActionNone     Action = ""
	ActionBuy      Action = "BUY"
	ActionSell     Action = "SELL"
	ActionStopLoss Action = "STOPLOSS"
)

// PriceDecimals is the fixed-point precision for all prices (paise-precise).
const PriceDecimals = 4

// RoundPrice normalizes a price to the core's fixed precision.
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	return p.Round(PriceDecimals)
}

// ————————————————————————————————————————————————————————————————————————
// Time of day
// ————————————————————————————————————————————————————————————————————————

// TimeOfDay is a wall-clock time within a trading day ("15:04:05"),
// interpreted in the configured trading timezone. Buy/sell triggers are
// stored this way rather than as absolute instants so a strategy definition
// is valid on any trading day.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay parses "HH:MM:SS" (seconds optional).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var tod TimeOfDay
	if n, err := fmt.Sscanf(s, "%d:%d:%d", &tod.Hour, &tod.Minute, &tod.Second); err != nil || n != 3 {
		tod.Second = 0
		if n, err := fmt.Sscanf(s, "%d:%d", &tod.Hour, &tod.Minute); err != nil || n != 2 {
			return TimeOfDay{}, fmt.Errorf("parse time of day %q: want HH:MM[:SS]", s)
		}
	}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 || tod.Second < 0 || tod.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return tod, nil
}

// String formats as HH:MM:SS.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// Seconds returns the offset from midnight.
func (t TimeOfDay) Seconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

// Before reports whether t is strictly earlier in the day than other.
func (t TimeOfDay) Before(other TimeOfDay) bool {
	return t.Seconds() < other.Seconds()
}

// On returns the absolute instant of this time-of-day on the same calendar
// day as ref, in ref's location.
func (t TimeOfDay) On(ref time.Time) time.Time {
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour, t.Minute, t.Second, 0, ref.Location())
}

// MarshalText implements encoding.TextMarshaler.
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Strategy configuration and runtime state
// ————————————————————————————————————————————————————————————————————————

// StrategyConfig is the durable, user-defined description of one automation:
// buy Symbol at BuyTime, sell at SellTime, exit early if the price touches
// StopLoss while holding. Immutable after creation except through the
// controller's Update path.
type StrategyConfig struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Symbol    string          `json:"symbol"` // uppercase instrument identifier
	BuyTime   TimeOfDay       `json:"buy_time"`
	SellTime  TimeOfDay       `json:"sell_time"`
	StopLoss  decimal.Decimal `json:"stop_loss"` // required, always > 0
	Quantity  int64           `json:"quantity"`
	Broker    string          `json:"broker"` // adapter name, e.g. "kite", "paper"
	Lifecycle Lifecycle       `json:"lifecycle"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Validate checks the config invariants: positive stop-loss and quantity,
// buy strictly before sell, symbol and broker present.
func (c *StrategyConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidConfig)
	}
	if c.Broker == "" {
		return fmt.Errorf("%w: broker is required", ErrInvalidConfig)
	}
	if c.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0, got %d", ErrInvalidConfig, c.Quantity)
	}
	if c.StopLoss.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: stop_loss must be > 0, got %s", ErrInvalidConfig, c.StopLoss)
	}
	if !c.BuyTime.Before(c.SellTime) {
		return fmt.Errorf("%w: buy_time %s must be before sell_time %s",
			ErrInvalidConfig, c.BuyTime, c.SellTime)
	}
	return nil
}

// RuntimeState is the mutable live state of a resident strategy. It is
// exclusively owned by the runtime store; every mutation happens under the
// per-strategy lock.
type RuntimeState struct {
	Lifecycle       Lifecycle        `json:"lifecycle"`
	Position        PositionState    `json:"position"`
	LastAction      Action           `json:"last_action"`
	LastPrice       *decimal.Decimal `json:"last_price,omitempty"`
	LastBuyOrderID  string           `json:"last_buy_order_id,omitempty"`
	LastSellOrderID string           `json:"last_sell_order_id,omitempty"`
	RetryCount      int              `json:"retry_count_current"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// RuntimeView is an immutable snapshot of a strategy's config + state,
// safe to read without the per-strategy lock.
type RuntimeView struct {
	Config StrategyConfig `json:"config"`
	State  RuntimeState   `json:"state"`
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// EventRecord is one entry on the runtime FIFO. The JSON shape is stable:
// events may cross a process boundary in distributed deployments.
type EventRecord struct {
	ID           string           `json:"id"`
	Kind         EventKind        `json:"kind"`
	StrategyID   string           `json:"strategy_id"`
	Attempt      int              `json:"attempt"` // per logical intent, first attempt = 1
	EnqueuedAt   time.Time        `json:"enqueued_at"`
	TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"` // set for STOPLOSS
	OriginalKind EventKind        `json:"original_kind,omitempty"` // set for RETRY
	NotBefore    time.Time        `json:"not_before,omitzero"`     // retry backoff gate
	Reason       string           `json:"reason,omitempty"`        // set for SAFETY_ABORT
}

// EffectiveKind resolves RETRY wrappers to the intent they carry.
func (e EventRecord) EffectiveKind() EventKind {
	if e.Kind == EventRetry {
		return e.OriginalKind
	}
	return e.Kind
}

// DedupKey identifies in-flight duplicates: one pending event per
// (strategy, effective kind) is enough, the engine re-validates under lock.
func (e EventRecord) DedupKey() string {
	return e.StrategyID + "/" + string(e.EffectiveKind())
}

// ————————————————————————————————————————————————————————————————————————
// Orders and broker results
// ————————————————————————————————————————————————————————————————————————

// Order is the broker-facing order intent built by the engine.
type Order struct {
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Quantity int64     `json:"quantity"`
	Type     OrderType `json:"order_type"`
	Tag      string    `json:"tag,omitempty"` // strategy id, for broker-side correlation
}

// OrderAck is a broker acceptance.
type OrderAck struct {
	OrderID  string           `json:"order_id"`
	AvgPrice *decimal.Decimal `json:"avg_price,omitempty"` // fill price when the broker reports one
	Raw      string           `json:"raw,omitempty"`       // full broker response blob for audit
}

// Tick is one price update from a broker feed.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
}

// Credentials are decrypted broker credentials handed out by the vault.
// The core never persists these; they live only for a single broker call.
type Credentials struct {
	APIKey      string `json:"api_key"`
	AccessToken string `json:"access_token"`
	Secret      string `json:"secret,omitempty"`
}

// OrderLogEntry is one append-only audit row: an order attempt, its broker
// response, a retry, or a terminal transition.
type OrderLogEntry struct {
	ID         string           `json:"id"`
	StrategyID string           `json:"strategy_id"`
	UserID     string           `json:"user_id"`
	Kind       EventKind        `json:"kind"`
	Attempt    int              `json:"attempt,omitempty"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side,omitempty"`
	Quantity   int64            `json:"quantity,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	OrderID    string           `json:"order_id,omitempty"`
	Outcome    string           `json:"outcome"` // "accepted", "retry", "aborted", ...
	BrokerBlob string           `json:"broker_response,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Error taxonomy
// ————————————————————————————————————————————————————————————————————————

// ErrInvalidConfig marks configs rejected at validation.
var ErrInvalidConfig = fmt.Errorf("invalid strategy config")

// BrokerErrorKind classifies broker failures; the engine's retry policy
// branches on it.
type BrokerErrorKind string

const (
	BrokerRejected     BrokerErrorKind = "rejected"      // permanent, follows retry policy
	BrokerTokenInvalid BrokerErrorKind = "token_invalid" // permanent, never retried
	BrokerTimeout      BrokerErrorKind = "timeout"       // transient
	BrokerNetwork      BrokerErrorKind = "network"       // transient
	BrokerRateLimited  BrokerErrorKind = "rate_limited"  // transient
)

// BrokerError is a classified failure from a broker adapter.
type BrokerError struct {
	Kind   BrokerErrorKind
	Reason string
	Raw    string // broker response body, for audit
}

func (e *BrokerError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("broker error: %s", e.Kind)
	}
	return fmt.Sprintf("broker error: %s: %s", e.Kind, e.Reason)
}

// Retryable reports whether the engine's retry policy applies. TokenInvalid
// escalates immediately; everything else drains through the retry budget.
func (e *BrokerError) Retryable() bool {
	return e.Kind != BrokerTokenInvalid
}

// NewBrokerError builds a classified broker error.
func NewBrokerError(kind BrokerErrorKind, reason, raw string) *BrokerError {
	return &BrokerError{Kind: kind, Reason: reason, Raw: raw}
}
