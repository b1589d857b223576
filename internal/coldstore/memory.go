package coldstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/leaflet/internal/broker"
	"github.com/ocx/leaflet/internal/event"
)

// MemoryStore is an in-process Store with the same idempotency semantics as
// the Postgres adapter. It backs archiver and API tests.
type MemoryStore struct {
	mu          sync.Mutex
	monos       map[uuid.UUID]event.Mono
	multis      map[uuid.UUID]event.Multi
	checkpoints map[string]map[string]Checkpoint // stream → message id → row
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		monos:       make(map[uuid.UUID]event.Mono),
		multis:      make(map[uuid.UUID]event.Multi),
		checkpoints: make(map[string]map[string]Checkpoint),
	}
}

func (s *MemoryStore) Close() error                   { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) EnsureSchema(ctx context.Context) error { return nil }

func (s *MemoryStore) InsertMono(ctx context.Context, m event.Mono) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.monos[m.ID]; !exists {
		s.monos[m.ID] = m
	}
	return nil
}

func (s *MemoryStore) InsertMulti(ctx context.Context, m event.Multi) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.multis[m.ID]; !exists {
		s.multis[m.ID] = m
	}
	return nil
}

func (s *MemoryStore) QueryMono(ctx context.Context, f MonoFilter) ([]event.Mono, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Mono
	for _, m := range s.monos {
		if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && m.Timestamp.After(f.Until) {
			continue
		}
		if f.SourceStream != "" && m.SourceStream != f.SourceStream {
			continue
		}
		if f.EventType != "" && m.Type != f.EventType {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *MemoryStore) QueryMulti(ctx context.Context, f MultiFilter) ([]event.Multi, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Multi
	for _, m := range s.multis {
		if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && m.Timestamp.After(f.Until) {
			continue
		}
		if f.CorrelationRule != "" && m.CorrelationRule != f.CorrelationRule {
			continue
		}
		if f.MinConfidence > 0 && m.Confidence < f.MinConfidence {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return paginate(out, f.Limit, f.Offset), nil
}

func (s *MemoryStore) MaxArchivedID(ctx context.Context, stream string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := ""
	for id := range s.checkpoints[stream] {
		if max == "" || broker.CompareIDs(id, max) > 0 {
			max = id
		}
	}
	return max, nil
}

func (s *MemoryStore) CheckpointCount(ctx context.Context, stream string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.checkpoints[stream])), nil
}

func (s *MemoryStore) ArchiveBatch(ctx context.Context, fn func(tx ArchiveTx) error) error {
	tx := &memArchiveTx{store: s}
	if err := fn(tx); err != nil {
		return err // staged writes discarded
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range tx.monos {
		if _, exists := s.monos[m.ID]; !exists {
			s.monos[m.ID] = m
		}
	}
	for _, m := range tx.multis {
		if _, exists := s.multis[m.ID]; !exists {
			s.multis[m.ID] = m
		}
	}
	for _, cp := range tx.checkpoints {
		byID, ok := s.checkpoints[cp.StreamName]
		if !ok {
			byID = make(map[string]Checkpoint)
			s.checkpoints[cp.StreamName] = byID
		}
		byID[cp.BrokerMessageID] = cp
	}
	return nil
}

// memArchiveTx stages writes and commits them only when the batch body
// returns nil, mirroring the transactional unit of the Postgres adapter.
type memArchiveTx struct {
	store       *MemoryStore
	monos       []event.Mono
	multis      []event.Multi
	checkpoints []Checkpoint
}

func (t *memArchiveTx) InsertMono(ctx context.Context, m event.Mono) error {
	t.monos = append(t.monos, m)
	return nil
}

func (t *memArchiveTx) InsertMulti(ctx context.Context, m event.Multi) error {
	t.multis = append(t.multis, m)
	return nil
}

func (t *memArchiveTx) TryMarkArchived(ctx context.Context, stream, messageID string, eventID uuid.UUID) (bool, error) {
	t.store.mu.Lock()
	_, exists := t.store.checkpoints[stream][messageID]
	t.store.mu.Unlock()
	if exists {
		return false, nil
	}
	for _, cp := range t.checkpoints {
		if cp.StreamName == stream && cp.BrokerMessageID == messageID {
			return false, nil
		}
	}
	t.checkpoints = append(t.checkpoints, Checkpoint{
		StreamName:      stream,
		BrokerMessageID: messageID,
		ArchivedAt:      time.Now(),
		EventID:         eventID,
	})
	return true, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 100
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
