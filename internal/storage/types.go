package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("record not found")
)

// Store is the minimal persistence API used by the dedup store and relay.
type Store interface {
	// GetRecord returns the value stored under key, or ErrNotFound.
	GetRecord(ctx context.Context, key string) ([]byte, error)
	// PutRecord replaces the value stored under key.
	PutRecord(ctx context.Context, key string, value []byte) error
	AppendDelivery(ctx context.Context, e DeliveryEntry) error
	Close() error
}

// Defaults used when Driver (or the file driver's Path) is empty.
const (
	DefaultDriver = "file"
	DefaultPath   = "data"
)

// Config configures storage.
//
// Driver values:
//   - "file": one JSON file per record under Path (a directory; default)
//   - "sqlite": SQLite database file at Path
//   - "memory": process-local map; state is lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeliveryEntry records one relay attempt.
// Keep it compact and schema-stable.
type DeliveryEntry struct {
	At        time.Time `json:"at"`
	Channel   string    `json:"channel"`
	MessageID string    `json:"message_id"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	TookMS    int64     `json:"took_ms"`
}
