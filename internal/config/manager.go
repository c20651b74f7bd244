package config

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Books pairs one consistent rule/policy snapshot. A request pins a single
// snapshot for its whole lifetime; reloads never mutate a published pair.
type Books struct {
	Rules    *RuleBook
	Policies *PolicyBook
	LoadedAt time.Time
}

// Manager owns the live snapshot and swaps it atomically on reload. A failed
// reload keeps the prior snapshot serving.
type Manager struct {
	rulesPath    string
	policiesPath string

	books  atomic.Pointer[Books]
	mu     sync.Mutex // serializes reloads
	onSwap []func(*Books)
	logger *log.Logger

	reloads  atomic.Int64
	failures atomic.Int64
}

// NewManager loads both documents from disk and returns a serving manager.
func NewManager(rulesPath, policiesPath string) (*Manager, error) {
	m := &Manager{
		rulesPath:    rulesPath,
		policiesPath: policiesPath,
		logger:       log.New(log.Writer(), "[CONFIG] ", log.LstdFlags),
	}
	rules, policies, err := Load(rulesPath, policiesPath)
	if err != nil {
		return nil, err
	}
	m.books.Store(&Books{Rules: rules, Policies: policies, LoadedAt: time.Now()})
	return m, nil
}

// NewManagerFromBooks wraps already-validated books. Embedders that build
// books programmatically (and tests) use this path; Reload is unavailable.
func NewManagerFromBooks(rules *RuleBook, policies *PolicyBook) *Manager {
	m := &Manager{
		logger: log.New(log.Writer(), "[CONFIG] ", log.LstdFlags),
	}
	m.books.Store(&Books{Rules: rules, Policies: policies, LoadedAt: time.Now()})
	return m
}

// Books returns the current snapshot. Callers hold the returned pointer for
// the duration of one request and never mutate it.
func (m *Manager) Books() *Books {
	return m.books.Load()
}

// Reload parses both documents again and swaps the snapshot. In-flight
// requests continue on the snapshot they already hold. On failure the prior
// snapshot keeps serving and the error is returned for the caller to report.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rulesPath == "" {
		return &ConfigError{Which: "rules", Reason: "manager was built from in-memory books; nothing to reload"}
	}
	rules, policies, err := Load(m.rulesPath, m.policiesPath)
	if err != nil {
		m.failures.Add(1)
		m.logger.Printf("reload failed, keeping prior snapshot: %v", err)
		return err
	}
	next := &Books{Rules: rules, Policies: policies, LoadedAt: time.Now()}
	m.books.Store(next)
	m.reloads.Add(1)
	m.logger.Printf("reloaded: %d content patterns, %d scenarios",
		len(rules.Detection.ContentPatterns), len(policies.Scenarios))
	for _, fn := range m.onSwap {
		fn(next)
	}
	return nil
}

// OnSwap registers a callback invoked after every successful reload.
// Register before serving traffic; the callback list is not synchronized.
func (m *Manager) OnSwap(fn func(*Books)) {
	m.onSwap = append(m.onSwap, fn)
}

// Stats reports reload counters for the status endpoint.
func (m *Manager) Stats() map[string]interface{} {
	b := m.Books()
	return map[string]interface{}{
		"loaded_at":        b.LoadedAt,
		"content_patterns": len(b.Rules.Detection.ContentPatterns),
		"scenarios":        len(b.Policies.Scenarios),
		"reloads":          m.reloads.Load(),
		"reload_failures":  m.failures.Load(),
	}
}
