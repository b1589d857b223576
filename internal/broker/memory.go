package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryClient is an in-process Client with Redis Streams semantics:
// monotone "<ms>-<seq>" ids, per-group delivery cursors, and pending entries
// that stay pending until acked. It backs worker and archiver tests and the
// standalone demo mode.
type MemoryClient struct {
	mu      sync.Mutex
	streams map[string]*memStream
	now     func() time.Time
	lastMS  int64
	lastSeq int64
}

type memStream struct {
	entries []Message
	groups  map[string]*memGroup
}

type memGroup struct {
	lastDelivered string // id of the newest entry handed to any consumer
	pending       map[string]Message
}

// NewMemoryClient creates an empty in-memory broker.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		streams: make(map[string]*memStream),
		now:     time.Now,
	}
}

// SetClock overrides the id clock. Test hook.
func (c *MemoryClient) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryClient) Close() error { return nil }

func (c *MemoryClient) nextID() string {
	ms := c.now().UnixMilli()
	if ms <= c.lastMS {
		ms = c.lastMS
		c.lastSeq++
	} else {
		c.lastMS = ms
		c.lastSeq = 0
	}
	return fmt.Sprintf("%d-%d", ms, c.lastSeq)
}

func (c *MemoryClient) stream(name string) *memStream {
	s, ok := c.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		c.streams[name] = s
	}
	return s
}

func (c *MemoryClient) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	id := c.nextID()
	s := c.stream(stream)
	s.entries = append(s.entries, Message{ID: id, Fields: copied})
	return id, nil
}

func (c *MemoryClient) EnsureGroup(ctx context.Context, stream, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memGroup{pending: make(map[string]Message)}
	}
	return nil
}

func (c *MemoryClient) ReadGroup(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) ([]StreamBatch, error) {
	deadline := time.Now().Add(block)
	for {
		batches := c.tryReadGroup(streams, group, count)
		if len(batches) > 0 || block <= 0 {
			return batches, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *MemoryClient) tryReadGroup(streams []string, group string, count int64) []StreamBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	var batches []StreamBatch
	for _, name := range streams {
		s, ok := c.streams[name]
		if !ok {
			continue
		}
		g, ok := s.groups[group]
		if !ok {
			continue
		}
		var msgs []Message
		for _, e := range s.entries {
			if g.lastDelivered != "" && CompareIDs(e.ID, g.lastDelivered) <= 0 {
				continue
			}
			msgs = append(msgs, e)
			g.lastDelivered = e.ID
			g.pending[e.ID] = e
			if int64(len(msgs)) >= count {
				break
			}
		}
		if len(msgs) > 0 {
			batches = append(batches, StreamBatch{Stream: name, Messages: msgs})
		}
	}
	return batches
}

func (c *MemoryClient) Ack(ctx context.Context, stream, group string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (c *MemoryClient) ReadTail(ctx context.Context, streams []string, positions []string, count int64, block time.Duration) ([]StreamBatch, error) {
	deadline := time.Now().Add(block)
	for {
		batches := c.tryReadTail(streams, positions, count)
		if len(batches) > 0 || block <= 0 {
			return batches, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *MemoryClient) tryReadTail(streams []string, positions []string, count int64) []StreamBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	var batches []StreamBatch
	for i, name := range streams {
		s, ok := c.streams[name]
		if !ok {
			continue
		}
		pos := "0"
		if i < len(positions) {
			pos = positions[i]
		}
		var msgs []Message
		for _, e := range s.entries {
			if pos != "0" && CompareIDs(e.ID, pos) <= 0 {
				continue
			}
			msgs = append(msgs, e)
			if int64(len(msgs)) >= count {
				break
			}
		}
		if len(msgs) > 0 {
			batches = append(batches, StreamBatch{Stream: name, Messages: msgs})
		}
	}
	return batches
}

func (c *MemoryClient) LastID(ctx context.Context, stream string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[stream]
	if !ok || len(s.entries) == 0 {
		return "", nil
	}
	return s.entries[len(s.entries)-1].ID, nil
}

func (c *MemoryClient) TrimMinID(ctx context.Context, stream, minID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[stream]
	if !ok {
		return 0, nil
	}
	kept := s.entries[:0]
	var removed int64
	for _, e := range s.entries {
		if CompareIDs(e.ID, minID) < 0 {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

func (c *MemoryClient) Length(ctx context.Context, stream string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

// RedeliverPending rewinds the group's delivery cursor to just before its
// oldest pending entry, modeling a crashed consumer whose unacked work is
// claimed again after restart.
func (c *MemoryClient) RedeliverPending(stream, group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[stream]
	if !ok {
		return
	}
	g, ok := s.groups[group]
	if !ok || len(g.pending) == 0 {
		return
	}
	oldest := ""
	for id := range g.pending {
		if oldest == "" || CompareIDs(id, oldest) < 0 {
			oldest = id
		}
	}
	// Rewind to the entry immediately before the oldest pending id.
	g.lastDelivered = ""
	for _, e := range s.entries {
		if CompareIDs(e.ID, oldest) < 0 {
			g.lastDelivered = e.ID
		}
	}
	g.pending = make(map[string]Message)
}

// PendingCount reports the number of unacked entries for the group.
func (c *MemoryClient) PendingCount(stream, group string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[stream]; ok {
		if g, ok := s.groups[group]; ok {
			return len(g.pending)
		}
	}
	return 0
}
