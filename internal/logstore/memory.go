package logstore

import (
	"context"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryEngine is an in-process implementation of the log store.
//
// Every connection dialed from one engine sees the same data. Blocking reads
// are woken through a notify channel that is closed and replaced on every
// append, so any number of readers can wait without a subscriber list.
type MemoryEngine struct {
	mu       sync.RWMutex
	streams  map[string]*memStream
	values   map[string]string
	notifyCh chan struct{}
	now      func() time.Time

	dials atomic.Int64
}

type memStream struct {
	last    ID
	entries []memEntry
}

type memEntry struct {
	id     ID
	fields map[string]string
}

// NewMemoryEngine creates an empty engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		streams:  make(map[string]*memStream),
		values:   make(map[string]string),
		notifyCh: make(chan struct{}),
		now:      time.Now,
	}
}

// SetClock replaces the wall clock used to assign ids. Tests only.
func (m *MemoryEngine) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetValue writes a plain (non-stream) key, replacing any stream of the
// same name.
func (m *MemoryEngine) SetValue(key, value string) {
	m.mu.Lock()
	if _, ok := m.streams[key]; ok {
		delete(m.streams, key)
		m.wakeLocked()
	}
	m.values[key] = value
	m.mu.Unlock()
}

// wakeLocked releases every blocked reader. Caller holds m.mu for writing.
func (m *MemoryEngine) wakeLocked() {
	close(m.notifyCh)
	m.notifyCh = make(chan struct{})
}

// Dials reports how many connections have been dialed.
func (m *MemoryEngine) Dials() int64 {
	return m.dials.Load()
}

// Dial opens a new connection to the engine.
func (m *MemoryEngine) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.dials.Add(1)
	return &memoryConn{engine: m, done: make(chan struct{})}, nil
}

// memoryConn is one handle on a [MemoryEngine].
type memoryConn struct {
	engine    *MemoryEngine
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var (
	_ Conn   = (*memoryConn)(nil)
	_ Dialer = (*MemoryEngine)(nil)
)

func (c *memoryConn) check(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return ctx.Err()
}

func (c *memoryConn) Append(ctx context.Context, key string, fields map[string]string) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	m := c.engine
	m.mu.Lock()
	delete(m.values, key)
	s, ok := m.streams[key]
	if !ok {
		s = &memStream{}
		m.streams[key] = s
	}
	id := s.last.Next(m.now())
	s.last = id
	s.entries = append(s.entries, memEntry{id: id, fields: copied})

	m.wakeLocked()
	m.mu.Unlock()

	return id.String(), nil
}

func (c *memoryConn) Range(ctx context.Context, key, from, to string, limit int64) ([]Entry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	lo, err := ParseBound(from, false)
	if err != nil {
		return nil, err
	}
	hi, err := ParseBound(to, true)
	if err != nil {
		return nil, err
	}

	m := c.engine
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streams[key]
	if !ok {
		return []Entry{}, nil
	}
	start := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].id.Compare(lo) >= 0
	})
	out := []Entry{}
	for i := start; i < len(s.entries); i++ {
		e := s.entries[i]
		if e.id.Compare(hi) > 0 || (limit > 0 && int64(len(out)) >= limit) {
			break
		}
		out = append(out, e.export())
	}
	return out, nil
}

func (c *memoryConn) RevRange(ctx context.Context, key, from, to string, limit int64) ([]Entry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	hi, err := ParseBound(from, true)
	if err != nil {
		return nil, err
	}
	lo, err := ParseBound(to, false)
	if err != nil {
		return nil, err
	}

	m := c.engine
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.streams[key]
	if !ok {
		return []Entry{}, nil
	}
	// first index past hi
	end := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].id.Compare(hi) > 0
	})
	out := []Entry{}
	for i := end - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.id.Compare(lo) < 0 || (limit > 0 && int64(len(out)) >= limit) {
			break
		}
		out = append(out, e.export())
	}
	return out, nil
}

func (c *memoryConn) BlockingRead(ctx context.Context, cursors []Cursor, count int64, maxWait time.Duration) ([]StreamEntries, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	after := make([]ID, len(cursors))
	for i, cur := range cursors {
		id, err := ParseID(cur.AfterID)
		if err != nil {
			return nil, err
		}
		after[i] = id
	}

	var timer <-chan time.Time
	if maxWait > 0 {
		t := time.NewTimer(maxWait)
		defer t.Stop()
		timer = t.C
	}

	m := c.engine
	var present []bool
	for {
		m.mu.RLock()
		result := m.collectLocked(cursors, after, count)
		// a stream deleted while we waited ends the read early
		lost := false
		if present == nil {
			present = m.presentLocked(cursors)
		} else {
			lost = m.lostLocked(cursors, present)
		}
		wait := m.notifyCh
		m.mu.RUnlock()

		if len(result) > 0 || timer == nil || lost {
			return result, nil
		}

		select {
		case <-wait:
		case <-timer:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, ErrConnClosed
		}
	}
}

func (m *MemoryEngine) presentLocked(cursors []Cursor) []bool {
	present := make([]bool, len(cursors))
	for i, cur := range cursors {
		_, present[i] = m.streams[cur.Key]
	}
	return present
}

func (m *MemoryEngine) lostLocked(cursors []Cursor, present []bool) bool {
	for i, cur := range cursors {
		if _, ok := m.streams[cur.Key]; present[i] && !ok {
			return true
		}
	}
	return false
}

// collectLocked gathers entries after each cursor. Caller holds m.mu.
func (m *MemoryEngine) collectLocked(cursors []Cursor, after []ID, count int64) []StreamEntries {
	var result []StreamEntries
	for i, cur := range cursors {
		s, ok := m.streams[cur.Key]
		if !ok {
			continue
		}
		start := sort.Search(len(s.entries), func(j int) bool {
			return s.entries[j].id.Compare(after[i]) > 0
		})
		if start == len(s.entries) {
			continue
		}
		end := len(s.entries)
		if count > 0 && int64(end-start) > count {
			end = start + int(count)
		}
		entries := make([]Entry, 0, end-start)
		for _, e := range s.entries[start:end] {
			entries = append(entries, e.export())
		}
		result = append(result, StreamEntries{Key: cur.Key, Entries: entries})
	}
	return result
}

func (c *memoryConn) Exists(ctx context.Context, key string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	m := c.engine
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, isStream := m.streams[key]
	_, isValue := m.values[key]
	return isStream || isValue, nil
}

func (c *memoryConn) ScanKeys(ctx context.Context, cursor, pattern string, count int64) ([]string, string, error) {
	if err := c.check(ctx); err != nil {
		return nil, "", err
	}
	if count <= 0 {
		count = defaultScanCount
	}

	m := c.engine
	m.mu.RLock()
	all := make([]string, 0, len(m.streams)+len(m.values))
	for k := range m.streams {
		all = append(all, k)
	}
	for k := range m.values {
		all = append(all, k)
	}
	m.mu.RUnlock()
	sort.Strings(all)

	start := sort.SearchStrings(all, cursor)
	if cursor != "" && start < len(all) && all[start] == cursor {
		start++
	}

	var page []string
	examined := int64(0)
	next := ""
	for i := start; i < len(all); i++ {
		if examined == count {
			next = all[i-1]
			break
		}
		examined++
		if ok, _ := path.Match(pattern, all[i]); ok {
			page = append(page, all[i])
		}
	}
	return page, next, nil
}

func (c *memoryConn) TypeOf(ctx context.Context, key string) (KeyType, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	m := c.engine
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.streams[key]; ok {
		return KeyTypeStream, nil
	}
	if _, ok := m.values[key]; ok {
		return KeyTypeString, nil
	}
	return KeyTypeNone, nil
}

func (c *memoryConn) Delete(ctx context.Context, key string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	m := c.engine
	m.mu.Lock()
	defer m.mu.Unlock()
	_, isStream := m.streams[key]
	_, isValue := m.values[key]
	delete(m.streams, key)
	delete(m.values, key)
	if isStream {
		m.wakeLocked()
	}
	return isStream || isValue, nil
}

func (c *memoryConn) Ping(ctx context.Context) error {
	return c.check(ctx)
}

func (c *memoryConn) IsOpen() bool {
	return !c.closed.Load()
}

func (c *memoryConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

func (e memEntry) export() Entry {
	fields := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		fields[k] = v
	}
	return Entry{ID: e.id.String(), Fields: fields}
}
