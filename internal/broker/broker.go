// Package broker holds the order-placement adapters. Each adapter speaks one
// broker's API and normalizes failures into the classified BrokerError
// taxonomy the engine's retry policy branches on.
//
// Adapters are registered by name; strategies select one via their broker
// field. Credentials are injected per construction, never read from disk here.
package broker

import (
	"context"
	"fmt"
	"log/slog"

	"strategy-runner/internal/config"
	"strategy-runner/pkg/types"
)

// Client places orders with a single broker on behalf of one credential set.
type Client interface {
	// PlaceOrder submits a market order and returns the broker's ack.
	// Failures are *types.BrokerError where the broker answered at all.
	PlaceOrder(ctx context.Context, order types.Order) (types.OrderAck, error)

	// ValidateCredentials performs a cheap authenticated call to detect
	// expired sessions before trading starts.
	ValidateCredentials(ctx context.Context) error

	// Close releases connections. Idempotent.
	Close() error
}

// Feed is a broker's streaming tick surface. Implementations push ticks via
// the handler passed at construction.
type Feed interface {
	SubscribeTicks(symbol string) error
	UnsubscribeTicks(symbol string) error

	// Run connects and maintains the stream until ctx is cancelled.
	Run(ctx context.Context) error
	Close() error
}

// Factory builds a Client for one credential set.
type Factory func(creds types.Credentials, cfg config.BrokerConfig, logger *slog.Logger) (Client, error)

var factories = map[string]Factory{}

// RegisterFactory installs a named adapter constructor. Called from adapter
// init functions.
func RegisterFactory(name string, f Factory) {
	factories[name] = f
}

// New builds the named adapter. Unknown names are a configuration error, not
// a broker failure.
func New(name string, creds types.Credentials, cfg config.BrokerConfig, logger *slog.Logger) (Client, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("broker: unknown adapter %q", name)
	}
	return f(creds, cfg, logger)
}

func init() {
	RegisterFactory("kite", func(creds types.Credentials, cfg config.BrokerConfig, logger *slog.Logger) (Client, error) {
		return NewKiteClient(creds, cfg.Kite, logger), nil
	})
	RegisterFactory("paper", func(creds types.Credentials, cfg config.BrokerConfig, logger *slog.Logger) (Client, error) {
		return NewPaperClient(logger), nil
	})
}
