package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "tgrelay/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce     = 250 * time.Millisecond
	validateTimeout    = 5 * time.Second
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Manager loads the config file, overlays the environment and publishes
// validated reloads to subscribers.
type Manager struct {
	path   string
	getenv func(string) string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel
	// that publish is writing to.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

// NewManager returns a manager for path. An empty path means the
// configuration comes from the environment only.
func NewManager(path string) *Manager {
	return &Manager{path: strings.TrimSpace(path), getenv: os.Getenv}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetEnv replaces the environment lookup (tests).
func (m *Manager) SetEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	m.getenv = getenv
}

// SetValidator installs the hook Watch runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file (JSON or YAML, unknown fields rejected) and applies
// environment overrides. It does not validate.
func (m *Manager) Parse() (*Config, error) {
	var cfg Config
	if m.path != "" {
		b, err := os.ReadFile(m.path)
		if err != nil {
			return nil, err
		}
		if err := decodeStrict(m.path, b, &cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, m.path, err)
		}
	}
	if err := ApplyEnv(&cfg, m.getenv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeStrict(path string, data []byte, out *Config) error {
	jb, _, err := toJSON(path, data)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(jb)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("trailing data")
		}
		return err
	}
	return nil
}

func (m *Manager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

// Load parses and commits without validation.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			last := len(m.subs) - 1
			m.subs[i] = m.subs[last]
			m.subs[last] = nil
			m.subs = m.subs[:last]
			close(ch)
			return
		}
	}
}

// publish delivers the latest config; a full subscriber loses its oldest
// pending update.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// reload parses, validates and publishes a changed config. It reports
// whether subscribers were notified.
func (m *Manager) reload(ctx context.Context) bool {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return false
	}
	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	prev := m.cfg
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return false
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}

	changed, attrs := SummarizeChange(prev, cfg)
	m.Commit(cfg)
	m.publish(cfg)
	fields := append([]logx.Field{
		logx.String("path", m.path),
		logx.String("changed", strings.Join(changed, ",")),
	}, attrs...)
	m.log.Info("config reloaded", fields...)
	return true
}

// Watch reloads the file on change until ctx is done. Without a file it
// just waits for ctx. The fsnotify watcher is recreated with backoff when it
// breaks.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nextWait := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, restartBackoffMax)
		return wait
	}
	sleep := func(d time.Duration) bool {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		}
	}

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
		timer = time.AfterFunc(reloadDebounce, func() {
			if ctx.Err() == nil {
				m.reload(ctx)
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		// Watch the directory: editors often replace the file via rename.
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			m.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
			if !sleep(nextWait()) {
				return nil
			}
			continue
		}
		backoff = restartBackoffBase
		m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

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
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					m.log.Warn("config watch overflow; forcing reload", logx.String("dir", dir))
					debounce()
					continue
				}
				m.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
			}
		}
		_ = w.Close()

		wait := nextWait()
		m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", wait))
		if !sleep(wait) {
			return nil
		}
	}
	return nil
}
