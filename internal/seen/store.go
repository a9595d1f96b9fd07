package seen

import (
	"context"
	"errors"
	"fmt"

	"tgrelay/internal/feed"
	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"
)

// DefaultCapacity is the number of ids kept per channel.
const DefaultCapacity = 50

// Store keeps one seen-set per channel in a storage backend.
//
// Each channel's set is read, diffed, truncated and written once per call
// with no locking; runs are expected to be sequential.
type Store struct {
	backend  storage.Store
	capacity int
	log      logx.Logger
}

func New(backend storage.Store, capacity int, log logx.Logger) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{backend: backend, capacity: capacity, log: log}
}

func (s *Store) Capacity() int { return s.capacity }

// Key is the storage key of a channel's seen-set.
func Key(handle string) string { return "history_" + handle }

// load returns the channel's set. A missing or corrupt record yields an empty
// set with empty=true; only backend failures are returned as errors.
func (s *Store) load(ctx context.Context, handle string) (set *Set, empty bool, err error) {
	if s.backend == nil {
		return nil, false, storage.ErrDisabled
	}
	raw, err := s.backend.GetRecord(ctx, Key(handle))
	if errors.Is(err, storage.ErrNotFound) {
		return NewSet(), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read seen-set %s: %w", handle, err)
	}
	set, err = Decode(raw)
	if err != nil {
		s.log.Warn("seen-set corrupt; treating as empty", logx.String("channel", handle), logx.Err(err))
		return NewSet(), true, nil
	}
	return set, set.Len() == 0, nil
}

func (s *Store) save(ctx context.Context, handle string, set *Set) error {
	b, err := set.Encode()
	if err != nil {
		return err
	}
	if err := s.backend.PutRecord(ctx, Key(handle), b); err != nil {
		return fmt.Errorf("write seen-set %s: %w", handle, err)
	}
	return nil
}

// Seen returns the persisted ids of a channel, oldest first.
func (s *Store) Seen(ctx context.Context, handle string) ([]string, error) {
	set, _, err := s.load(ctx, handle)
	if err != nil {
		return nil, err
	}
	return set.IDs(), nil
}

// NeedsSeed reports whether the channel has no usable history yet
// (missing, empty or corrupt record).
func (s *Store) NeedsSeed(ctx context.Context, handle string) (bool, error) {
	_, empty, err := s.load(ctx, handle)
	if err != nil {
		return false, err
	}
	return empty, nil
}

// Seed stores the most recent ids of snapshot as the channel's history
// without reporting any of them as new. It returns the number of ids stored.
func (s *Store) Seed(ctx context.Context, handle string, snapshot []feed.Message) (int, error) {
	if s.backend == nil {
		return 0, storage.ErrDisabled
	}
	set := NewSet(feed.IDs(snapshot)...)
	set.SortByFeedOrder()
	set.Truncate(s.capacity)
	if err := s.save(ctx, handle, set); err != nil {
		return 0, err
	}
	s.log.Info("seen-set initialized", logx.String("channel", handle), logx.Int("ids", set.Len()))
	return set.Len(), nil
}

// FilterNew returns the messages whose ids the channel has not seen, then
// records every id of messages and persists the truncated set.
//
// If the set cannot be read or written, all messages are returned: a
// duplicate delivery is preferred over a lost one.
func (s *Store) FilterNew(ctx context.Context, handle string, messages []feed.Message) []feed.Message {
	fresh, err := s.filterNew(ctx, handle, messages)
	if err != nil {
		s.log.Error("seen-set update failed; treating all messages as new",
			logx.String("channel", handle),
			logx.Int("messages", len(messages)),
			logx.Err(err),
		)
		return messages
	}
	return fresh
}

func (s *Store) filterNew(ctx context.Context, handle string, messages []feed.Message) (fresh []feed.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic filtering %s: %v", handle, r)
		}
	}()

	set, _, err := s.load(ctx, handle)
	if err != nil {
		return nil, err
	}
	before := set.Len()
	for _, m := range messages {
		if set.Add(m.ID) {
			fresh = append(fresh, m)
		}
	}
	set.SortByFeedOrder()
	evicted := set.Truncate(s.capacity)
	if err := s.save(ctx, handle, set); err != nil {
		return nil, err
	}
	if evicted > 0 {
		// Ids still on the page but no longer in the set come back as new
		// on the next run.
		dropped := 0
		for _, m := range messages {
			if !set.Contains(m.ID) {
				dropped++
			}
		}
		if dropped > 0 {
			s.log.Warn("capacity is smaller than the feed page; evicted ids will be delivered again",
				logx.String("channel", handle),
				logx.Int("capacity", s.capacity),
				logx.Int("page", len(messages)),
				logx.Int("dropped", dropped),
			)
		}
	}
	s.log.Debug("seen-set updated",
		logx.String("channel", handle),
		logx.Int("before", before),
		logx.Int("new", len(fresh)),
		logx.Int("evicted", evicted),
		logx.Int("size", set.Len()),
	)
	return fresh, nil
}
