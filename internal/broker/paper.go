// paper.go implements a broker that fills everything instantly in memory.
// It backs dry-run mode and the engine tests: responses can be scripted per
// call to exercise the retry policy without a live session.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"strategy-runner/pkg/types"
)

// PaperClient accepts every order unless a scripted response says otherwise.
type PaperClient struct {
	logger *slog.Logger
	seq    atomic.Int64

	mu      sync.Mutex
	script  []error // consumed front-to-back; nil entry = success
	orders  []types.Order
	authErr error
}

// NewPaperClient creates a paper broker with no scripted failures.
func NewPaperClient(logger *slog.Logger) *PaperClient {
	return &PaperClient{logger: logger.With("component", "paper")}
}

// Script queues responses for upcoming PlaceOrder calls, one per call. A nil
// entry means success. When the script is exhausted, calls succeed.
func (p *PaperClient) Script(responses ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, responses...)
}

// FailAuth makes ValidateCredentials return err.
func (p *PaperClient) FailAuth(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authErr = err
}

// Orders returns every order the paper broker accepted or rejected.
func (p *PaperClient) Orders() []types.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Order, len(p.orders))
	copy(out, p.orders)
	return out
}

// PlaceOrder records the order and returns the next scripted response.
func (p *PaperClient) PlaceOrder(ctx context.Context, order types.Order) (types.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return types.OrderAck{}, err
	}

	p.mu.Lock()
	p.orders = append(p.orders, order)
	var scripted error
	if len(p.script) > 0 {
		scripted = p.script[0]
		p.script = p.script[1:]
	}
	p.mu.Unlock()

	if scripted != nil {
		return types.OrderAck{}, scripted
	}

	ack := types.OrderAck{OrderID: fmt.Sprintf("paper-%d", p.seq.Add(1))}
	p.logger.Info("paper fill",
		"symbol", order.Symbol,
		"side", string(order.Side),
		"quantity", order.Quantity,
		"order_id", ack.OrderID,
	)
	return ack, nil
}

func (p *PaperClient) ValidateCredentials(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authErr
}

func (p *PaperClient) Close() error { return nil }
