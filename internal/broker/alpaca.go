package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"quantcore/internal/domain"
	"quantcore/internal/util"
)

// Compile-time interface checks.
var (
	_ Sink          = (*AlpacaSink)(nil)
	_ AccountReader = (*AlpacaSink)(nil)
)

// AlpacaTrader is the subset of *alpaca.Client the sink uses.
type AlpacaTrader interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetAccount() (*alpaca.Account, error)
}

var _ AlpacaTrader = (*alpaca.Client)(nil)

// AlpacaConfig tunes order submission and fill polling.
type AlpacaConfig struct {
	Commission      Commission
	RateLimitPerMin int
	RetryAttempts   int
	RetryDelay      time.Duration
	PollInterval    time.Duration
	MaxPolls        int
}

func (c *AlpacaConfig) defaults() {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 30
	}
}

// AlpacaSink submits market day orders through the Alpaca trading API and
// waits for them to reach a terminal or filled state.
type AlpacaSink struct {
	client  AlpacaTrader
	cfg     AlpacaConfig
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaClient creates the trading API client for the given credentials
// and endpoint.
func NewAlpacaClient(apiKey, apiSecret, baseURL string) *alpaca.Client {
	return alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
}

// NewAlpacaSink creates an AlpacaSink on top of client.
func NewAlpacaSink(client AlpacaTrader, cfg AlpacaConfig) *AlpacaSink {
	cfg.defaults()
	return &AlpacaSink{
		client:  client,
		cfg:     cfg,
		limiter: util.NewRateLimiter(cfg.RateLimitPerMin),
		log:     slog.Default().With("sink", "alpaca"),
	}
}

// Name returns "alpaca".
func (s *AlpacaSink) Name() string {
	return "alpaca"
}

// Submit places a market order for intent and polls until it fills or
// reaches a terminal status. A partially filled order that stops early is
// reported as a fill of the executed quantity.
func (s *AlpacaSink) Submit(ctx context.Context, intent domain.OrderIntent) (domain.Fill, error) {
	if intent.Qty <= 0 {
		return domain.Fill{}, &domain.SinkRejectedError{IntentID: intent.ID, Reason: "zero quantity"}
	}

	qty := decimal.NewFromFloat(intent.Qty)
	side := alpaca.Buy
	if intent.Side == domain.SideSell {
		side = alpaca.Sell
	}
	req := alpaca.PlaceOrderRequest{
		Symbol:        intent.Symbol,
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: intent.ID,
	}

	var order *alpaca.Order
	err := s.call(ctx, func() error {
		o, err := s.client.PlaceOrder(req)
		if err != nil {
			return classify(intent.ID, err)
		}
		order = o
		return nil
	})
	if err != nil {
		return domain.Fill{}, s.wrap("placing order", err)
	}
	s.log.Info("order placed", "intent", intent.ID, "order", order.ID, "symbol", intent.Symbol,
		"side", intent.Side, "qty", intent.Qty)

	for poll := 0; ; poll++ {
		switch order.Status {
		case "filled":
			return s.fill(intent, order), nil
		case "canceled", "expired", "rejected", "done_for_day", "stopped", "suspended":
			if order.FilledQty.IsPositive() {
				return s.fill(intent, order), nil
			}
			return domain.Fill{}, &domain.SinkRejectedError{IntentID: intent.ID, Reason: "order " + order.Status}
		}

		if poll >= s.cfg.MaxPolls {
			if err := s.client.CancelOrder(order.ID); err != nil {
				s.log.Warn("cancel after poll timeout failed", "order", order.ID, "error", err)
			}
			if order.FilledQty.IsPositive() {
				return s.fill(intent, order), nil
			}
			return domain.Fill{}, &domain.SinkRejectedError{
				IntentID: intent.ID,
				Reason:   fmt.Sprintf("not filled after %d polls", poll),
			}
		}

		select {
		case <-ctx.Done():
			return s.abandon(ctx, intent, order)
		case <-time.After(s.cfg.PollInterval):
		}

		id := order.ID
		err := s.call(ctx, func() error {
			o, err := s.client.GetOrder(id)
			if err != nil {
				return classify(intent.ID, err)
			}
			order = o
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return s.abandon(ctx, intent, order)
			}
			return domain.Fill{}, s.wrap("polling order", err)
		}
	}
}

// abandonTimeout bounds the cancel and final status read once the caller's
// context has ended.
const abandonTimeout = 10 * time.Second

// abandon cancels a placed order after ctx ended and reports whatever
// executed before the cancel took effect, so the ledger sees every share
// the broker traded.
func (s *AlpacaSink) abandon(ctx context.Context, intent domain.OrderIntent, order *alpaca.Order) (domain.Fill, error) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()

	id := order.ID
	if err := s.call(bg, func() error { return s.client.CancelOrder(id) }); err != nil {
		s.log.Warn("cancel of abandoned order failed", "order", id, "error", err)
	}
	err := s.call(bg, func() error {
		o, err := s.client.GetOrder(id)
		if err != nil {
			return classify(intent.ID, err)
		}
		order = o
		return nil
	})
	if err != nil {
		s.log.Warn("final status of abandoned order unknown", "order", id, "error", err)
	}
	s.log.Info("order abandoned", "intent", intent.ID, "order", id, "status", order.Status, "filled", order.FilledQty.String())
	if order.FilledQty.IsPositive() {
		return s.fill(intent, order), nil
	}
	return domain.Fill{}, ctx.Err()
}

// Account returns cash, equity and buying power of the trading account.
func (s *AlpacaSink) Account(ctx context.Context) (domain.AccountInfo, error) {
	var acct *alpaca.Account
	err := s.call(ctx, func() error {
		a, err := s.client.GetAccount()
		if err != nil {
			return err
		}
		acct = a
		return nil
	})
	if err != nil {
		return domain.AccountInfo{}, domain.Fatal("alpaca get account", err)
	}
	return domain.AccountInfo{
		Cash:        toFloat(acct.Cash),
		Equity:      toFloat(acct.Equity),
		BuyingPower: toFloat(acct.BuyingPower),
	}, nil
}

func (s *AlpacaSink) call(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, s.cfg.RetryAttempts, s.cfg.RetryDelay, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		return fn()
	})
}

// wrap passes business rejections and cancellation through and marks
// everything else fatal.
func (s *AlpacaSink) wrap(op string, err error) error {
	if errors.Is(err, domain.ErrSinkRejected) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return domain.Fatal("alpaca "+op, err)
}

// classify turns client-side API errors into permanent rejections so they
// are not retried.
func classify(intentID string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests {
		return util.Permanent(&domain.SinkRejectedError{IntentID: intentID, Reason: apiErr.Message})
	}
	return err
}

func (s *AlpacaSink) fill(intent domain.OrderIntent, o *alpaca.Order) domain.Fill {
	price := intent.PriceHint
	if o.FilledAvgPrice != nil {
		price = toFloat(*o.FilledAvgPrice)
	}
	qty := toFloat(o.FilledQty)
	ts := time.Now()
	if o.FilledAt != nil {
		ts = *o.FilledAt
	}
	return domain.Fill{
		IntentID:   intent.ID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Qty:        qty,
		Price:      price,
		Fees:       s.cfg.Commission.Fee(intent.Side, qty, price),
		StrategyID: intent.StrategyID,
		Timestamp:  ts,
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
