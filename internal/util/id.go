package util

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// IDGenerator produces lexically sortable ULIDs. Seeded generators yield the
// same sequence for the same timestamps, which keeps backtests reproducible.
type IDGenerator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewIDGenerator returns a generator with deterministic entropy from seed.
func NewIDGenerator(seed int64) *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)}
}

// NewRandomIDGenerator returns a generator backed by the package default
// crypto entropy.
func NewRandomIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.DefaultEntropy()}
}

// New returns an ID whose time component is ts.
func (g *IDGenerator) New(ts time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), g.entropy).String()
}

// IDTime extracts the timestamp embedded in an ID produced by New.
func IDTime(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
