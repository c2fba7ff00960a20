package pebblestore

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpalmerr/ridecast/internal/logstore"
)

// Engine is a durable log store on an embedded Pebble database.
//
// Connections dialed from an Engine share the database; they are cheap
// handles whose Close does not close the database. Engine.Close does.
type Engine struct {
	db *db

	// mu serializes writers against each other and against Close. Readers
	// hold it shared.
	mu       sync.RWMutex
	closed   bool
	notifyCh chan struct{}
	now      func() time.Time
}

// Open opens or creates the database described by opts.
func Open(opts Options) (*Engine, error) {
	d, err := openDB(opts)
	if err != nil {
		return nil, fmt.Errorf("opening pebble store: %w", err)
	}
	return &Engine{
		db:       d,
		notifyCh: make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Close closes the database. Connections fail with [logstore.ErrConnClosed]
// afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.notifyCh)
	return e.db.close()
}

// Dial opens a new connection handle.
func (e *Engine) Dial(ctx context.Context) (logstore.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, logstore.ErrConnClosed
	}
	return &conn{engine: e, done: make(chan struct{})}, nil
}

// SetValue writes a plain (non-stream) key, replacing any stream of the
// same name.
func (e *Engine) SetValue(key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return logstore.ErrConnClosed
	}

	wasStream, err := e.isStreamLocked(key)
	if err != nil {
		return err
	}

	b := e.db.inner.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(entriesPrefix(key), entriesEnd(key), nil); err != nil {
		return err
	}
	if err := b.Set(indexKey(key), append([]byte{typeValue}, value...), nil); err != nil {
		return err
	}
	if err := e.db.commit(b); err != nil {
		return err
	}
	if wasStream {
		e.wakeLocked()
	}
	return nil
}

// wakeLocked releases every blocked reader. Caller holds e.mu for writing.
func (e *Engine) wakeLocked() {
	close(e.notifyCh)
	e.notifyCh = make(chan struct{})
}

// isStreamLocked reports whether key holds a stream. Caller holds e.mu.
func (e *Engine) isStreamLocked(key string) (bool, error) {
	idx, found, err := e.db.get(indexKey(key))
	if err != nil {
		return false, err
	}
	return found && len(idx) > 0 && idx[0] == typeStream, nil
}

// record is the stored encoding of an entry's fields.
type record struct {
	Fields map[string]string `json:"f"`
}

type conn struct {
	engine    *Engine
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var (
	_ logstore.Conn   = (*conn)(nil)
	_ logstore.Dialer = (*Engine)(nil)
)

func (c *conn) check(ctx context.Context) error {
	if c.closed.Load() {
		return logstore.ErrConnClosed
	}
	return ctx.Err()
}

// rlock takes the engine lock shared, failing if the engine is closed.
func (c *conn) rlock() error {
	c.engine.mu.RLock()
	if c.engine.closed {
		c.engine.mu.RUnlock()
		return logstore.ErrConnClosed
	}
	return nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &logstore.TransientError{Op: op, Err: err}
}

func (c *conn) Append(ctx context.Context, key string, fields map[string]string) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if err := logstore.ValidateKey(key); err != nil {
		return "", err
	}
	val, err := json.Marshal(record{Fields: fields})
	if err != nil {
		return "", fmt.Errorf("encoding fields: %w", err)
	}

	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", logstore.ErrConnClosed
	}

	idx, found, err := e.db.get(indexKey(key))
	if err != nil {
		return "", wrap("append", err)
	}
	var last logstore.ID
	if found && len(idx) > 0 && idx[0] == typeStream {
		if last, err = logstore.ParseID(string(idx[1:])); err != nil {
			return "", wrap("append", err)
		}
	}
	id := last.Next(e.now())

	b := e.db.inner.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(key, id), val, nil); err != nil {
		return "", wrap("append", err)
	}
	if err := b.Set(indexKey(key), append([]byte{typeStream}, id.String()...), nil); err != nil {
		return "", wrap("append", err)
	}
	if err := e.db.commit(b); err != nil {
		return "", wrap("append", err)
	}

	e.wakeLocked()
	return id.String(), nil
}

func (c *conn) Range(ctx context.Context, key, from, to string, limit int64) ([]logstore.Entry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	lo, err := logstore.ParseBound(from, false)
	if err != nil {
		return nil, err
	}
	hi, err := logstore.ParseBound(to, true)
	if err != nil {
		return nil, err
	}
	if err := c.rlock(); err != nil {
		return nil, err
	}
	defer c.engine.mu.RUnlock()

	entries, err := c.engine.scanEntries(key, entryKey(key, lo), entryKeyAfter(key, hi), limit, false)
	return entries, wrap("range", err)
}

func (c *conn) RevRange(ctx context.Context, key, from, to string, limit int64) ([]logstore.Entry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	hi, err := logstore.ParseBound(from, true)
	if err != nil {
		return nil, err
	}
	lo, err := logstore.ParseBound(to, false)
	if err != nil {
		return nil, err
	}
	if err := c.rlock(); err != nil {
		return nil, err
	}
	defer c.engine.mu.RUnlock()

	entries, err := c.engine.scanEntries(key, entryKey(key, lo), entryKeyAfter(key, hi), limit, true)
	return entries, wrap("revrange", err)
}

// scanEntries iterates entries of key in [lower, upper). Caller holds e.mu.
func (e *Engine) scanEntries(key string, lower, upper []byte, limit int64, reverse bool) ([]logstore.Entry, error) {
	iter, err := e.db.newIter(lower, upper)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := []logstore.Entry{}
	valid := iter.First()
	if reverse {
		valid = iter.Last()
	}
	for ; valid; valid = step(iter.Next, iter.Prev, reverse) {
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
		var rec record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decoding entry of %s: %w", key, err)
		}
		if rec.Fields == nil {
			rec.Fields = map[string]string{}
		}
		out = append(out, logstore.Entry{
			ID:     decodeEntryID(iter.Key()).String(),
			Fields: rec.Fields,
		})
	}
	return out, iter.Error()
}

func step(next, prev func() bool, reverse bool) bool {
	if reverse {
		return prev()
	}
	return next()
}

func (c *conn) BlockingRead(ctx context.Context, cursors []logstore.Cursor, count int64, maxWait time.Duration) ([]logstore.StreamEntries, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	after := make([]logstore.ID, len(cursors))
	for i, cur := range cursors {
		id, err := logstore.ParseID(cur.AfterID)
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

	e := c.engine
	var present []bool
	for {
		if err := c.rlock(); err != nil {
			return nil, err
		}
		var result []logstore.StreamEntries
		var readErr error
		// a stream deleted while we waited ends the read early
		lost := false
		first := present == nil
		if first {
			present = make([]bool, len(cursors))
		}
		for i, cur := range cursors {
			isStream, err := e.isStreamLocked(cur.Key)
			if err != nil {
				readErr = err
				break
			}
			if first {
				present[i] = isStream
			} else if present[i] && !isStream {
				lost = true
			}
		}
		for i, cur := range cursors {
			if readErr != nil {
				break
			}
			entries, err := e.scanEntries(cur.Key, entryKeyAfter(cur.Key, after[i]), entriesEnd(cur.Key), count, false)
			if err != nil {
				readErr = err
				break
			}
			if len(entries) > 0 {
				result = append(result, logstore.StreamEntries{Key: cur.Key, Entries: entries})
			}
		}
		wait := e.notifyCh
		e.mu.RUnlock()

		if readErr != nil {
			return nil, wrap("blockingread", readErr)
		}
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
			return nil, logstore.ErrConnClosed
		}
	}
}

func (c *conn) Exists(ctx context.Context, key string) (bool, error) {
	t, err := c.TypeOf(ctx, key)
	if err != nil {
		return false, err
	}
	return t != logstore.KeyTypeNone, nil
}

func (c *conn) ScanKeys(ctx context.Context, cursor, pattern string, count int64) ([]string, string, error) {
	if err := c.check(ctx); err != nil {
		return nil, "", err
	}
	if count <= 0 {
		count = 100
	}
	if err := c.rlock(); err != nil {
		return nil, "", err
	}
	defer c.engine.mu.RUnlock()

	lower := []byte(indexPrefix)
	if cursor != "" {
		lower = append(indexKey(cursor), 0)
	}
	// '0' is the byte after '/'
	iter, err := c.engine.db.newIter(lower, []byte("k0"))
	if err != nil {
		return nil, "", wrap("scan", err)
	}
	defer iter.Close()

	var page []string
	examined := int64(0)
	last := ""
	for valid := iter.First(); valid; valid = iter.Next() {
		if examined == count {
			return page, last, iter.Error()
		}
		examined++
		last = string(iter.Key()[len(indexPrefix):])
		if ok, _ := path.Match(pattern, last); ok {
			page = append(page, last)
		}
	}
	return page, "", wrap("scan", iter.Error())
}

func (c *conn) TypeOf(ctx context.Context, key string) (logstore.KeyType, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if err := c.rlock(); err != nil {
		return "", err
	}
	defer c.engine.mu.RUnlock()

	idx, found, err := c.engine.db.get(indexKey(key))
	if err != nil {
		return "", wrap("type", err)
	}
	if !found || len(idx) == 0 {
		return logstore.KeyTypeNone, nil
	}
	if idx[0] == typeStream {
		return logstore.KeyTypeStream, nil
	}
	return logstore.KeyTypeString, nil
}

func (c *conn) Delete(ctx context.Context, key string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	e := c.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false, logstore.ErrConnClosed
	}

	idx, found, err := e.db.get(indexKey(key))
	if err != nil {
		return false, wrap("delete", err)
	}
	if !found {
		return false, nil
	}
	wasStream := len(idx) > 0 && idx[0] == typeStream

	b := e.db.inner.NewBatch()
	defer b.Close()
	if err := b.Delete(indexKey(key), nil); err != nil {
		return false, wrap("delete", err)
	}
	if err := b.DeleteRange(entriesPrefix(key), entriesEnd(key), nil); err != nil {
		return false, wrap("delete", err)
	}
	if err := e.db.commit(b); err != nil {
		return false, wrap("delete", err)
	}
	if wasStream {
		e.wakeLocked()
	}
	return true, nil
}

func (c *conn) Ping(ctx context.Context) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if err := c.rlock(); err != nil {
		return err
	}
	c.engine.mu.RUnlock()
	return nil
}

func (c *conn) IsOpen() bool {
	if c.closed.Load() {
		return false
	}
	c.engine.mu.RLock()
	defer c.engine.mu.RUnlock()
	return !c.engine.closed
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}
