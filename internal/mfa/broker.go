// Package mfa holds the short-lived codes that gate agent bootstrap.
// The cache is process-local; entries live five minutes and a fresh issue
// for the same agent replaces the old entry.
package mfa

import (
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"github.com/labfleet/labfleet/internal/clock"
	"github.com/labfleet/labfleet/internal/creds"
	"github.com/labfleet/labfleet/internal/registry"
)

const codeTTL = 5 * time.Minute

type entry struct {
	code        string
	generatedAt time.Time
	position    registry.PositionInfo
}

// Broker generates and verifies agent bootstrap codes.
type Broker struct {
	mu      sync.Mutex
	entries map[string]entry
	clock   clock.Clock
}

// NewBroker creates an empty broker.
func NewBroker(clk clock.Clock) *Broker {
	return &Broker{
		entries: make(map[string]entry),
		clock:   clk,
	}
}

// Issue generates a fresh code for the agent, replacing any prior entry,
// and returns the plaintext so the caller can surface it to admins.
func (b *Broker) Issue(agentID string, position registry.PositionInfo) (string, error) {
	code, err := creds.GenerateMFACode()
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.entries[agentID] = entry{
		code:        code,
		generatedAt: b.clock.Now(),
		position:    position,
	}
	b.mu.Unlock()
	return code, nil
}

// Verify checks the presented code against the cached entry for the agent.
// Comparison is case-insensitive and constant-time. On success the entry is
// consumed and its position info returned; on failure the entry stays so
// the agent can retry within the TTL.
func (b *Broker) Verify(agentID, presented string) (registry.PositionInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[agentID]
	if !ok {
		return registry.PositionInfo{}, false
	}
	if b.clock.Since(e.generatedAt) > codeTTL {
		delete(b.entries, agentID)
		return registry.PositionInfo{}, false
	}

	want := strings.ToUpper(e.code)
	got := strings.ToUpper(presented)
	if len(got) != len(want) || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return registry.PositionInfo{}, false
	}

	delete(b.entries, agentID)
	return e.position, true
}

// Sweep drops entries past their TTL. Called periodically from main so the
// map does not accumulate abandoned bootstraps.
func (b *Broker) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, e := range b.entries {
		if b.clock.Since(e.generatedAt) > codeTTL {
			delete(b.entries, id)
			n++
		}
	}
	return n
}
