package market

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"quantcore/internal/domain"
)

// ---------------------------------------------------------------------------
// AlpacaHistory: historical bars from the Alpaca market-data API.
// ---------------------------------------------------------------------------

// BarsGetter is the subset of *marketdata.Client used for history.
type BarsGetter interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

var _ BarsGetter = (*marketdata.Client)(nil)

// AlpacaHistory fetches historical bars for warm-up and import.
type AlpacaHistory struct {
	client BarsGetter
	feed   string
	log    *slog.Logger
}

// NewAlpacaHistory creates an AlpacaHistory for the given credentials. An
// empty dataURL uses the client default; an empty feed uses "sip".
func NewAlpacaHistory(apiKey, apiSecret, dataURL, feed string) *AlpacaHistory {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return NewAlpacaHistoryFrom(marketdata.NewClient(opts), feed)
}

// NewAlpacaHistoryFrom wraps an existing client.
func NewAlpacaHistoryFrom(client BarsGetter, feed string) *AlpacaHistory {
	if feed == "" {
		feed = "sip"
	}
	return &AlpacaHistory{
		client: client,
		feed:   feed,
		log:    slog.Default().With("provider", "alpaca-history"),
	}
}

func timeFrame(interval domain.Interval) (marketdata.TimeFrame, error) {
	switch interval {
	case domain.IntervalMinute:
		return marketdata.OneMin, nil
	case domain.IntervalDaily:
		return marketdata.OneDay, nil
	case domain.IntervalWeekly:
		return marketdata.NewTimeFrame(1, marketdata.Week), nil
	}
	return marketdata.TimeFrame{}, fmt.Errorf("unsupported interval %q", interval)
}

// Bars returns bars of symbol in [start, end].
func (h *AlpacaHistory) Bars(ctx context.Context, symbol string, interval domain.Interval, start, end time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tf, err := timeFrame(interval)
	if err != nil {
		return nil, err
	}
	raw, err := h.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: tf,
		Start:     start,
		End:       end,
		Feed:      marketdata.Feed(h.feed),
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}
	bars := make([]domain.Bar, 0, len(raw))
	for _, ab := range raw {
		bars = append(bars, domain.Bar{
			Symbol:     strings.ToUpper(symbol),
			Timestamp:  ab.Timestamp.UTC(),
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			Turnover:   ab.VWAP * float64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return bars, nil
}

// Recent returns up to n most recent bars of symbol ending at now.
func (h *AlpacaHistory) Recent(ctx context.Context, symbol string, interval domain.Interval, n int, now time.Time) ([]domain.Bar, error) {
	if n <= 0 {
		return nil, nil
	}
	var lookback time.Duration
	switch interval {
	case domain.IntervalMinute:
		// Cover overnight and weekend gaps.
		lookback = time.Duration(n)*time.Minute + 72*time.Hour
	case domain.IntervalWeekly:
		lookback = time.Duration(n+2) * 7 * 24 * time.Hour
	default:
		// Roughly 252 sessions per 365 days plus holiday slack.
		lookback = time.Duration(n*365/252+10) * 24 * time.Hour
	}
	bars, err := h.Bars(ctx, symbol, interval, now.Add(-lookback), now)
	if err != nil {
		return nil, err
	}
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// AlpacaStream: live minute bars from the Alpaca WebSocket feed.
// ---------------------------------------------------------------------------

// StreamClient is the subset of *stream.StocksClient the provider drives.
type StreamClient interface {
	Connect(ctx context.Context) error
	Terminated() <-chan error
}

var _ StreamClient = (*stream.StocksClient)(nil)

// AlpacaStream pushes live bars for a fixed symbol set into a ChanProvider.
type AlpacaStream struct {
	*ChanProvider

	symbols   []string
	newClient func(handler func(stream.Bar), symbols []string) StreamClient
	log       *slog.Logger
}

// NewAlpacaStream creates an AlpacaStream for symbols on feed ("iex" or
// "sip").
func NewAlpacaStream(apiKey, apiSecret, feed string, symbols []string, buffer int) *AlpacaStream {
	if feed == "" {
		feed = "iex"
	}
	s := &AlpacaStream{
		ChanProvider: NewChanProvider(buffer),
		symbols:      symbols,
		log:          slog.Default().With("provider", "alpaca-stream"),
	}
	s.newClient = func(handler func(stream.Bar), symbols []string) StreamClient {
		return stream.NewStocksClient(marketdata.Feed(feed),
			stream.WithCredentials(apiKey, apiSecret),
			stream.WithBars(handler, symbols...),
		)
	}
	return s
}

// Start connects to the feed. Bars flow into the provider until ctx is
// cancelled or the connection terminates, which ends the stream with a
// fatal error.
func (s *AlpacaStream) Start(ctx context.Context) error {
	client := s.newClient(func(b stream.Bar) { s.handle(ctx, b) }, s.symbols)
	if err := client.Connect(ctx); err != nil {
		s.Close()
		return domain.Fatal("alpaca stream connect", err)
	}
	s.log.Info("connected", "symbols", len(s.symbols))

	go func() {
		select {
		case err := <-client.Terminated():
			if err != nil && ctx.Err() == nil {
				s.log.Error("stream terminated", "error", err)
				s.CloseWithError(domain.Fatal("alpaca stream", err))
				return
			}
			s.Close()
		case <-ctx.Done():
			s.Close()
		}
	}()
	return nil
}

func (s *AlpacaStream) handle(ctx context.Context, b stream.Bar) {
	bar := convertStreamBar(b)
	if err := s.Push(ctx, bar); err != nil {
		s.log.Debug("bar not delivered", "symbol", bar.Symbol, "error", err)
	}
}

func convertStreamBar(b stream.Bar) domain.Bar {
	return domain.Bar{
		Symbol:     strings.ToUpper(b.Symbol),
		Timestamp:  b.Timestamp.UTC(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     int64(b.Volume),
		Turnover:   b.VWAP * float64(b.Volume),
		TradeCount: int64(b.TradeCount),
		VWAP:       b.VWAP,
	}
}
