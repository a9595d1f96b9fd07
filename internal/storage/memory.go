package storage

import (
	"context"
	"sync"
)

// Memory is a process-local Store. It is used when no durable driver is
// configured and by tests.
type Memory struct {
	mu         sync.Mutex
	records    map[string][]byte
	deliveries []DeliveryEntry
}

func NewMemory() *Memory {
	return &Memory{records: map[string][]byte{}}
}

func (m *Memory) GetRecord(ctx context.Context, key string) ([]byte, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) PutRecord(ctx context.Context, key string, value []byte) error {
	_ = ctx
	m.mu.Lock()
	m.records[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendDelivery(ctx context.Context, e DeliveryEntry) error {
	_ = ctx
	m.mu.Lock()
	m.deliveries = append(m.deliveries, e)
	m.mu.Unlock()
	return nil
}

// Deliveries returns a copy of the delivery log.
func (m *Memory) Deliveries() []DeliveryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeliveryEntry(nil), m.deliveries...)
}

func (m *Memory) Close() error { return nil }
