package config

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// ChangeEvent describes one applied configuration update.
type ChangeEvent struct {
	// Config is the configuration that became active.
	Config *Config
	// Source labels where the update came from ("api", "file", ...).
	Source string
	// Timestamp is when the update was applied.
	Timestamp time.Time
}

// Manager holds the active configuration and applies validated updates.
// Components that need to react to changes subscribe and receive a
// ChangeEvent per applied update. Reads never block updates for long:
// Current returns a private copy.
type Manager struct {
	mu      sync.RWMutex
	current *Config

	subMu       sync.Mutex
	subscribers []chan ChangeEvent
	closed      bool
}

// NewManager validates cfg and wraps it in a Manager. A nil cfg starts
// from DefaultConfig.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{current: cfg.Clone()}, nil
}

// Current returns a copy of the active configuration. Mutating the copy
// has no effect; apply changes through Update.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// Update validates cfg, makes it the active configuration and notifies
// subscribers. On validation failure the previous configuration stays
// active.
func (m *Manager) Update(cfg *Config, source string) error {
	if err := cfg.Validate(); err != nil {
		log.Warnf("rejected config update from %q: %v", source, err)
		return err
	}
	cp := cfg.Clone()

	m.mu.Lock()
	m.current = cp
	m.mu.Unlock()

	log.Infof("applied config update from %q", source)
	m.notify(ChangeEvent{Config: cp.Clone(), Source: source, Timestamp: time.Now()})
	return nil
}

// Subscribe registers a change listener and returns its channel. The
// channel is buffered; when a subscriber falls behind, events are
// dropped rather than stalling updates. Close closes the channel.
func (m *Manager) Subscribe() <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 8)
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		close(ch)
		return ch
	}
	m.subscribers = append(m.subscribers, ch)
	return ch
}

func (m *Manager) notify(ev ChangeEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			log.Debugf("dropped config change event for a slow subscriber")
		}
	}
}

// Close closes all subscriber channels. Further Subscribe calls return
// a closed channel; Update keeps working but notifies nobody.
func (m *Manager) Close() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
}
