// Package results hands a finished session's outcome to the authorization
// flow. Entries expire and are read at most once.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pinchtab/authstream/internal/detect"
)

type Store interface {
	Put(ctx context.Context, sessionID string, cred detect.Credential, ttl time.Duration) error
	// Get returns and removes the entry. ok is false when the entry is
	// absent, already consumed or expired.
	Get(ctx context.Context, sessionID string) (cred detect.Credential, ok bool, err error)
	// Peek is Get without consuming the entry.
	Peek(ctx context.Context, sessionID string) (cred detect.Credential, ok bool, err error)
}

// Record is the persisted handoff shape.
type Record struct {
	Success bool    `json:"success"`
	Tokens  *Tokens `json:"tokens,omitempty"`
	Error   string  `json:"error,omitempty"`
}

type Tokens struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
	RealmID   string `json:"realmId"`
	RealmName string `json:"realmName"`
}

func RecordOf(c detect.Credential) Record {
	if !c.Success {
		return Record{Error: c.Error}
	}
	return Record{
		Success: true,
		Tokens: &Tokens{
			Primary:   c.Primary,
			Secondary: c.Secondary,
			RealmID:   c.RealmID,
			RealmName: c.RealmName,
		},
	}
}

func (r Record) Credential() detect.Credential {
	if !r.Success || r.Tokens == nil {
		return detect.Credential{Error: r.Error}
	}
	return detect.Credential{
		Success:   true,
		Primary:   r.Tokens.Primary,
		Secondary: r.Tokens.Secondary,
		RealmID:   r.Tokens.RealmID,
		RealmName: r.Tokens.RealmName,
	}
}

type entry struct {
	data    []byte
	expires time.Time
}

// Memory is an in-process Store. Records are kept encoded, as an external
// store would hold them.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	clk     clockwork.Clock
}

func NewMemory(clk clockwork.Clock) *Memory {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Memory{entries: make(map[string]entry), clk: clk}
}

func (m *Memory) Put(_ context.Context, sessionID string, cred detect.Credential, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	data, err := json.Marshal(RecordOf(cred))
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	m.mu.Lock()
	m.entries[sessionID] = entry{data: data, expires: m.clk.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, sessionID string) (detect.Credential, bool, error) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	delete(m.entries, sessionID)
	m.mu.Unlock()
	return m.decode(e, ok)
}

func (m *Memory) Peek(_ context.Context, sessionID string) (detect.Credential, bool, error) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	return m.decode(e, ok)
}

func (m *Memory) decode(e entry, ok bool) (detect.Credential, bool, error) {
	if !ok || !m.clk.Now().Before(e.expires) {
		return detect.Credential{}, false, nil
	}
	var r Record
	if err := json.Unmarshal(e.data, &r); err != nil {
		return detect.Credential{}, false, fmt.Errorf("decode record: %w", err)
	}
	return r.Credential(), true, nil
}

// Len counts entries that have not been consumed or swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep drops expired entries and returns how many it removed.
func (m *Memory) Sweep() int {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, id)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) error {
	t := m.clk.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			m.Sweep()
		}
	}
}
