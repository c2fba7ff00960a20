// Package redisstore implements the ridecast log store on Redis Streams.
//
// Each connection owns a go-redis client limited to a single socket, so the
// ridecast pool, not go-redis, decides how many sockets exist. A network
// failure marks the connection closed; the pool discards it on release.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jpalmerr/ridecast/internal/logstore"
)

// Options configures connections to a Redis server.
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Dialer dials Redis connections.
type Dialer struct {
	opts Options
}

// NewDialer returns a Dialer for opts.
func NewDialer(opts Options) *Dialer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Dialer{opts: opts}
}

var _ logstore.Dialer = (*Dialer)(nil)

// Dial opens a client and verifies it with PING.
func (d *Dialer) Dial(ctx context.Context) (logstore.Conn, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         d.opts.Addr,
		Password:     d.opts.Password,
		DB:           d.opts.DB,
		DialTimeout:  d.opts.DialTimeout,
		PoolSize:     1,
		MinIdleConns: 1,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &logstore.TransientError{Op: "dial", Err: err}
	}
	return &conn{client: client}, nil
}

type conn struct {
	client    *redis.Client
	closed    atomic.Bool
	closeOnce sync.Once
}

var (
	_ logstore.Conn        = (*conn)(nil)
	_ logstore.TypeBatcher = (*conn)(nil)
)

func (c *conn) check(ctx context.Context) error {
	if c.closed.Load() {
		return logstore.ErrConnClosed
	}
	return ctx.Err()
}

// fail classifies err. Replies from the server leave the connection usable;
// anything else is treated as a broken socket.
func (c *conn) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var reply redis.Error
	if !errors.As(err, &reply) {
		c.Close()
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
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: values}).Result()
	if err != nil {
		return "", c.fail("xadd", err)
	}
	return id, nil
}

func (c *conn) Range(ctx context.Context, key, from, to string, limit int64) ([]logstore.Entry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var msgs []redis.XMessage
	var err error
	if limit > 0 {
		msgs, err = c.client.XRangeN(ctx, key, from, to, limit).Result()
	} else {
		msgs, err = c.client.XRange(ctx, key, from, to).Result()
	}
	if err != nil {
		return nil, c.fail("xrange", err)
	}
	return toEntries(msgs), nil
}

func (c *conn) RevRange(ctx context.Context, key, from, to string, limit int64) ([]logstore.Entry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var msgs []redis.XMessage
	var err error
	if limit > 0 {
		msgs, err = c.client.XRevRangeN(ctx, key, from, to, limit).Result()
	} else {
		msgs, err = c.client.XRevRange(ctx, key, from, to).Result()
	}
	if err != nil {
		return nil, c.fail("xrevrange", err)
	}
	return toEntries(msgs), nil
}

func (c *conn) BlockingRead(ctx context.Context, cursors []logstore.Cursor, count int64, maxWait time.Duration) ([]logstore.StreamEntries, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if len(cursors) == 0 {
		return nil, nil
	}

	// XREAD STREAMS k1 k2 ... id1 id2 ...
	streams := make([]string, 0, 2*len(cursors))
	for _, cur := range cursors {
		streams = append(streams, cur.Key)
	}
	for _, cur := range cursors {
		streams = append(streams, cur.AfterID)
	}

	block := maxWait
	if block <= 0 {
		// no BLOCK argument
		block = -1
	} else if block < time.Millisecond {
		block = time.Millisecond
	}

	res, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: streams,
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, c.fail("xread", err)
	}

	out := make([]logstore.StreamEntries, 0, len(res))
	for _, s := range res {
		if len(s.Messages) == 0 {
			continue
		}
		out = append(out, logstore.StreamEntries{Key: s.Stream, Entries: toEntries(s.Messages)})
	}
	return out, nil
}

func (c *conn) Exists(ctx context.Context, key string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, c.fail("exists", err)
	}
	return n > 0, nil
}

func (c *conn) ScanKeys(ctx context.Context, cursor, pattern string, count int64) ([]string, string, error) {
	if err := c.check(ctx); err != nil {
		return nil, "", err
	}
	var pos uint64
	if cursor != "" {
		var err error
		if pos, err = strconv.ParseUint(cursor, 10, 64); err != nil {
			return nil, "", fmt.Errorf("invalid scan cursor %q", cursor)
		}
	}
	keys, next, err := c.client.Scan(ctx, pos, pattern, count).Result()
	if err != nil {
		return nil, "", c.fail("scan", err)
	}
	if next == 0 {
		return keys, "", nil
	}
	return keys, strconv.FormatUint(next, 10), nil
}

func (c *conn) TypeOf(ctx context.Context, key string) (logstore.KeyType, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	t, err := c.client.Type(ctx, key).Result()
	if err != nil {
		return "", c.fail("type", err)
	}
	return logstore.KeyType(t), nil
}

// TypeOfMany pipelines one TYPE per key.
func (c *conn) TypeOfMany(ctx context.Context, keys []string) ([]logstore.KeyType, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	pipe := c.client.Pipeline()
	cmds := make([]*redis.StatusCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Type(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, c.fail("type", err)
	}
	types := make([]logstore.KeyType, len(keys))
	for i, cmd := range cmds {
		types[i] = logstore.KeyType(cmd.Val())
	}
	return types, nil
}

func (c *conn) Delete(ctx context.Context, key string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	n, err := c.client.Del(ctx, key).Result()
	if err != nil {
		return false, c.fail("del", err)
	}
	return n > 0, nil
}

func (c *conn) Ping(ctx context.Context) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return c.fail("ping", err)
	}
	return nil
}

func (c *conn) IsOpen() bool {
	return !c.closed.Load()
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.client.Close()
	})
	return err
}

func toEntries(msgs []redis.XMessage) []logstore.Entry {
	out := make([]logstore.Entry, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			fields[k] = fmt.Sprint(v)
		}
		out = append(out, logstore.Entry{ID: m.ID, Fields: fields})
	}
	return out
}
