package engine

import (
	"fmt"
	"sync"
	"time"

	"quantcore/internal/domain"
)

// SubscriptionError is an error attributed to one subscription.
type SubscriptionError struct {
	Key  domain.SubscriptionKey
	Err  error
	Time time.Time
}

func (e SubscriptionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e SubscriptionError) Unwrap() error { return e.Err }

// ErrorCollector accumulates per-subscription errors for the owner to poll.
type ErrorCollector struct {
	mu   sync.Mutex
	errs []SubscriptionError
}

// NewErrorCollector returns an empty collector.
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{}
}

// Add records err against key at ts.
func (c *ErrorCollector) Add(key domain.SubscriptionKey, err error, ts time.Time) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.errs = append(c.errs, SubscriptionError{Key: key, Err: err, Time: ts})
	c.mu.Unlock()
}

// Len returns the number of pending errors.
func (c *ErrorCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

// All returns a copy of the pending errors without removing them.
func (c *ErrorCollector) All() []SubscriptionError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SubscriptionError(nil), c.errs...)
}

// Drain returns and clears the pending errors.
func (c *ErrorCollector) Drain() []SubscriptionError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.errs
	c.errs = nil
	return out
}

// For returns the pending errors attributed to key.
func (c *ErrorCollector) For(key domain.SubscriptionKey) []SubscriptionError {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SubscriptionError
	for _, e := range c.errs {
		if e.Key == key {
			out = append(out, e)
		}
	}
	return out
}
