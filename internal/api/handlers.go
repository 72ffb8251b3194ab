package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"quantcore/internal/domain"
	"quantcore/internal/engine"
	"quantcore/internal/live"
	"quantcore/internal/report"
	"quantcore/internal/strategy"
	"quantcore/pkg/quantcore"
)

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/strategies", s.handleStrategies)
	mux.HandleFunc("GET /api/v1/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("POST /api/v1/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /api/v1/subscriptions/{strategy}/{symbol}", s.handleUnsubscribe)
	mux.HandleFunc("GET /api/v1/positions", s.handlePositions)
	mux.HandleFunc("GET /api/v1/account", s.handleAccount)
	mux.HandleFunc("GET /api/v1/intents", s.handleIntents)
	mux.HandleFunc("GET /api/v1/fills", s.handleFills)
	mux.HandleFunc("GET /api/v1/equity", s.handleEquity)
	mux.HandleFunc("GET /api/v1/errors", s.handleErrors)
	mux.HandleFunc("GET /api/v1/report", s.handleReport)
	if s.hub != nil {
		mux.HandleFunc("GET /ws/events", s.hub.ServeWS)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := quantcore.Health{
		Status:        "ok",
		Subscriptions: len(s.deps.Engine.Subscriptions()),
		StartedAt:     s.startedAt,
	}
	if s.deps.Model != nil {
		h.Events = len(s.deps.Model.Snapshot())
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleStrategies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	keys := s.deps.Engine.Subscriptions()
	out := make([]quantcore.Subscription, 0, len(keys))
	for _, k := range keys {
		if sub, ok := s.deps.Engine.Subscription(k); ok {
			out = append(out, toWireSubscription(sub))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req quantcore.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Strategy == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "strategy and symbol are required")
		return
	}
	if !s.deps.Registry.Has(req.Strategy) {
		writeError(w, http.StatusNotFound, "unknown strategy "+req.Strategy)
		return
	}
	sub, err := s.deps.Engine.Subscribe(req.Strategy, req.Symbol, strategy.Params(req.Params))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	s.log.Info("subscription added", "key", sub.Key().String())
	writeJSON(w, http.StatusCreated, toWireSubscription(sub))
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	key := domain.SubscriptionKey{
		StrategyID: r.PathValue("strategy"),
		Symbol:     strings.ToUpper(r.PathValue("symbol")),
	}
	if err := s.deps.Unsubscriber.Unsubscribe(key); err != nil {
		if errors.Is(err, domain.ErrSubscriptionClosed) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("subscription removed", "key", key.String())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	l := s.deps.Engine.Ledger()
	positions := l.Positions()
	out := make([]quantcore.Position, 0, len(positions))
	for _, p := range positions {
		mark, ok := l.MarkPrice(p.Symbol)
		if !ok {
			mark = p.AvgCost
		}
		out = append(out, quantcore.Position{
			Symbol:        p.Symbol,
			Qty:           p.Qty,
			AvgCost:       p.AvgCost,
			RealizedPnL:   p.RealizedPnL,
			MarkPrice:     mark,
			MarketValue:   p.Qty * mark,
			UnrealizedPnL: p.Qty * (mark - p.AvgCost),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	l := s.deps.Engine.Ledger()
	acct := quantcore.Account{
		Source:      "ledger",
		Cash:        l.Cash(),
		Equity:      l.TotalEquity(),
		MarketValue: l.MarketValue(),
		RealizedPnL: l.RealizedPnL(),
	}
	if s.deps.Account != nil {
		info, err := s.deps.Account.Account(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, "reading broker account: "+err.Error())
			return
		}
		acct.Source = s.deps.AccountSource
		acct.Cash = info.Cash
		acct.Equity = info.Equity
		acct.BuyingPower = info.BuyingPower
	}
	writeJSON(w, http.StatusOK, acct)
}

// eventFilter reads the optional symbol and since query parameters.
type eventFilter struct {
	symbol string
	since  time.Time
}

func parseEventFilter(r *http.Request) (eventFilter, error) {
	q := r.URL.Query()
	f := eventFilter{symbol: strings.ToUpper(q.Get("symbol"))}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, err
		}
		f.since = t
	}
	return f, nil
}

func (f eventFilter) match(symbol string, ts time.Time) bool {
	if f.symbol != "" && symbol != f.symbol {
		return false
	}
	return f.since.IsZero() || !ts.Before(f.since)
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	f, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
		return
	}
	out := []quantcore.Intent{}
	for _, i := range s.deps.Engine.Intents() {
		if f.match(i.Symbol, i.Timestamp) {
			out = append(out, toWireIntent(i))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	f, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
		return
	}
	out := []quantcore.Fill{}
	for _, fl := range s.deps.Engine.Fills() {
		if f.match(fl.Symbol, fl.Timestamp) {
			out = append(out, toWireFill(fl))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEquity(w http.ResponseWriter, _ *http.Request) {
	curve := s.deps.Engine.EquityCurve()
	out := make([]quantcore.EquityPoint, len(curve))
	for i, e := range curve {
		out[i] = quantcore.EquityPoint{Timestamp: e.Timestamp, Cash: e.Cash, MarketValue: e.MarketValue, Equity: e.Equity}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	errs := s.deps.Engine.Errors().All()
	out := make([]quantcore.SubscriptionError, len(errs))
	for i, e := range errs {
		out[i] = quantcore.SubscriptionError{
			Strategy: e.Key.StrategyID,
			Symbol:   e.Key.Symbol,
			Error:    e.Err.Error(),
			Time:     e.Time,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	e := s.deps.Engine
	rep := report.Options{PeriodsPerYear: s.deps.PeriodsPerYear}.Build(e.Fills(), e.EquityCurve(), e.Config().InitialCash)
	rep.Returns = nil
	writeJSON(w, http.StatusOK, rep)
}

// ----------------------------------------------------------------------------
// Wire conversion
// ----------------------------------------------------------------------------

func toWireSubscription(sub *engine.Subscription) quantcore.Subscription {
	out := quantcore.Subscription{
		Strategy: sub.Key().StrategyID,
		Symbol:   sub.Key().Symbol,
		State:    sub.State().String(),
		Bars:     len(sub.Bars()),
		Params:   sub.Params(),
		Memory:   sub.StrategyState(),
	}
	if err := sub.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}

func toWireIntent(i domain.OrderIntent) quantcore.Intent {
	return quantcore.Intent{
		ID:        i.ID,
		Symbol:    i.Symbol,
		Side:      string(i.Side),
		Qty:       i.Qty,
		PriceHint: i.PriceHint,
		Strategy:  i.StrategyID,
		Timestamp: i.Timestamp,
	}
}

func toWireFill(f domain.Fill) quantcore.Fill {
	return quantcore.Fill{
		IntentID:  f.IntentID,
		Symbol:    f.Symbol,
		Side:      string(f.Side),
		Qty:       f.Qty,
		Price:     f.Price,
		Fees:      f.Fees,
		Strategy:  f.StrategyID,
		Timestamp: f.Timestamp,
	}
}

func toWireEvent(evt live.Event) quantcore.Event {
	out := quantcore.Event{Seq: evt.Seq, Kind: string(evt.Kind)}
	if evt.Intent != nil {
		i := toWireIntent(*evt.Intent)
		out.Intent = &i
	}
	if evt.Fill != nil {
		f := toWireFill(*evt.Fill)
		out.Fill = &f
	}
	return out
}
