package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"quantcore/internal/domain"
	"quantcore/internal/strategy"
	"quantcore/internal/window"
)

// SubState is the lifecycle state of a subscription.
type SubState int

const (
	StateIdle SubState = iota
	StateAwaitingBar
	StateEvaluating
	StateOrderEmitted
	StateFailed
	StateClosed
)

var subStateNames = [...]string{"idle", "awaiting_bar", "evaluating", "order_emitted", "failed", "closed"}

func (s SubState) String() string {
	if int(s) < len(subStateNames) {
		return subStateNames[s]
	}
	return fmt.Sprintf("SubState(%d)", int(s))
}

// Terminal reports whether no further bars are processed in s.
func (s SubState) Terminal() bool { return s == StateFailed || s == StateClosed }

// transitions lists the legal successor states. Failed and Closed are
// reachable from every live state.
var transitions = map[SubState][]SubState{
	StateIdle:         {StateAwaitingBar},
	StateAwaitingBar:  {StateEvaluating, StateIdle},
	StateEvaluating:   {StateOrderEmitted, StateIdle},
	StateOrderEmitted: {StateAwaitingBar, StateIdle},
}

func canTransition(from, to SubState) bool {
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Subscription binds one strategy instance to one instrument. It owns the
// instrument's bar window and the strategy's private state.
type Subscription struct {
	key    domain.SubscriptionKey
	seq    int
	strat  strategy.Strategy
	params strategy.Params
	log    *slog.Logger

	mu     sync.Mutex
	status SubState
	err    error
	window *window.BarWindow
	state  *strategy.State
}

func newSubscription(key domain.SubscriptionKey, seq int, s strategy.Strategy, p strategy.Params, windowLen int, log *slog.Logger) *Subscription {
	if lb := s.Lookback(); lb > windowLen {
		windowLen = lb
	}
	return &Subscription{
		key:    key,
		seq:    seq,
		strat:  s,
		params: p,
		log:    log.With("strategy", key.StrategyID, "symbol", key.Symbol),
		window: window.New(key.Symbol, windowLen),
		state:  strategy.NewState(),
	}
}

// Key returns the subscription's (strategy, symbol) identity.
func (s *Subscription) Key() domain.SubscriptionKey { return s.key }

// Strategy returns the strategy instance.
func (s *Subscription) Strategy() strategy.Strategy { return s.strat }

// Params returns the parameters the strategy was built with.
func (s *Subscription) Params() strategy.Params { return s.params }

// State returns the current lifecycle state.
func (s *Subscription) State() SubState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error that failed the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Bars returns a copy of the bars currently in the window.
func (s *Subscription) Bars() []domain.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window.Bars()
}

// StrategyState returns a snapshot of the strategy's private state.
func (s *Subscription) StrategyState() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Snapshot()
}

func (s *Subscription) transition(to SubState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Subscription) transitionLocked(to SubState) bool {
	from := s.status
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		s.log.Debug("illegal transition ignored", "from", from, "to", to)
		return false
	}
	s.status = to
	s.log.Debug("transition", "from", from, "to", to)
	return true
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitionLocked(StateFailed) {
		s.err = err
	}
}

func (s *Subscription) close() {
	s.transition(StateClosed)
}

// evaluate appends bar and runs the strategy. The returned error is a data
// gap or the subscription being terminal; signals are only meaningful when
// err is nil.
func (s *Subscription) evaluate(bar domain.Bar) (domain.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return domain.Hold(), domain.ErrSubscriptionClosed
	}
	s.transitionLocked(StateAwaitingBar)
	if err := s.window.Append(bar); err != nil {
		return domain.Hold(), err
	}
	s.transitionLocked(StateEvaluating)
	sig := s.strat.OnBar(s.window, s.state)
	s.state.Tick()
	return sig, nil
}

// warm feeds bar through the strategy and discards the signal.
func (s *Subscription) warm(bar domain.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return domain.ErrSubscriptionClosed
	}
	if err := s.window.Append(bar); err != nil {
		return err
	}
	s.strat.OnBar(s.window, s.state)
	s.state.Tick()
	return nil
}
