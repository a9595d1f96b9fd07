package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tgrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Layout under the configured directory:
//   - <key>.json        (one record per key, replaced atomically)
//   - deliveries.jsonl  (append-only JSON Lines)
type fileStore struct {
	log logx.Logger
	dir string

	mu             sync.Mutex
	deliveriesFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	df, err := os.OpenFile(filepath.Join(dir, "deliveries.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir, deliveriesFile: df}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveriesFile == nil {
		return nil
	}
	err := s.deliveriesFile.Close()
	s.deliveriesFile = nil
	return err
}

func (s *fileStore) recordPath(key string) string {
	return filepath.Join(s.dir, sanitizeKey(key)+".json")
}

func (s *fileStore) GetRecord(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.recordPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *fileStore) PutRecord(ctx context.Context, key string, value []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.recordPath(key)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(value); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveriesFile == nil {
		return errors.New("delivery log closed")
	}
	return json.NewEncoder(s.deliveriesFile).Encode(e)
}

// sanitizeKey maps a record key onto a safe file name.
func sanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
