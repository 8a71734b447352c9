package config

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/signalsfoundry/macsched/internal/logging"
)

const (
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
	defaultDebounce    = 250 * time.Millisecond
)

// Update is published to subscribers when a new config is committed.
type Update struct {
	Old    *Config
	New    *Config
	Change Change
}

// Manager owns the current config, reloads it when the file changes and
// publishes accepted updates.
type Manager struct {
	path     string
	debounce time.Duration

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu guards the subscriber list so a publish never races a close in
	// Unsubscribe.
	subsMu sync.Mutex
	subs   []chan Update

	log       logging.Logger
	validator func(ctx context.Context, cfg *Config) error
}

// NewManager returns a manager for the file at path.
func NewManager(path string, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Noop()
	}
	return &Manager{
		path:     path,
		debounce: defaultDebounce,
		log:      log.With(logging.String("path", path)),
	}
}

// SetValidator installs an extra check run by Reload before an update is
// committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// SetDebounce changes how long Watch waits after the last file event.
func (m *Manager) SetDebounce(d time.Duration) {
	if d > 0 {
		m.debounce = d
	}
}

// Load reads the file and commits it without publishing.
func (m *Manager) Load() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

// Get returns the committed config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) *Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.cfg
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	return old
}

// Subscribe returns a channel receiving committed updates. A slow
// subscriber loses its oldest queued update.
func (m *Manager) Subscribe(buffer int) <-chan Update {
	ch := make(chan Update, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (m *Manager) Unsubscribe(ch <-chan Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(s)
			return
		}
	}
}

func (m *Manager) publish(u Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- u:
			continue
		default:
		}
		// drop the oldest, then retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- u:
		default:
			m.log.Debug(context.Background(), "config update dropped (subscriber slow)",
				logging.Int("queue_len", len(ch)),
				logging.Int("queue_cap", cap(ch)),
			)
		}
	}
}

// Reload parses the file, and if its content changed and it validates,
// commits and publishes it. It returns the change applied, which is empty
// when the content was unchanged.
func (m *Manager) Reload(ctx context.Context) (Change, error) {
	cfg, err := Load(m.path)
	if err != nil {
		m.log.Warn(ctx, "config rejected", logging.Err(err))
		return Change{}, err
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug(ctx, "config unchanged; skipping publish")
		return Change{}, nil
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn(ctx, "config rejected by validator", logging.Err(err))
			return Change{}, err
		}
	}

	old := m.commit(cfg)
	change := Diff(old, cfg)
	m.publish(Update{Old: old, New: cfg, Change: change})
	m.log.Info(ctx, "config published", append(change.Fields(), logging.String("hash", fmt.Sprintf("%x", h)))...)
	return change, nil
}

// Watch reloads the config whenever the file changes, until ctx is done.
// The directory is watched so editors that replace the file are seen. A
// broken watcher is recreated with jittered exponential backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)
	backoff := restartBackoffBase

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		m.log.Debug(ctx, "config change detected; scheduling reload")
		timer = time.AfterFunc(m.debounce, func() {
			if ctx.Err() != nil {
				return
			}
			_, _ = m.Reload(ctx)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	wait := func() bool {
		d := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, restartBackoffMax)
		m.log.Warn(ctx, "config watcher restarting", logging.Duration("backoff", d))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Warn(ctx, "config watch init failed", logging.Err(err))
			if !wait() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			m.log.Warn(ctx, "config watch add failed", logging.Err(err), logging.String("dir", dir))
			if !wait() {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		m.log.Debug(ctx, "config watcher started", logging.String("dir", dir))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					m.log.Warn(ctx, "config watch overflow; forcing reload", logging.Err(err))
					debounce()
					continue
				}
				m.log.Warn(ctx, "config watch error", logging.Err(err))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = w.Close()
		if !wait() {
			return nil
		}
	}
	return nil
}
