package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RedisConfig captures the connection parameters of the shared room-counter cache.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
	// KeyPrefix namespaces every key. Clusters sharing one Redis use different prefixes.
	KeyPrefix string
}

const (
	defaultRedisTimeout   = 5 * time.Second
	defaultRedisKeyPrefix = "confsessions:"
	// redisDeleteBatch bounds the keys sent in one DEL when a node forgets all of its rooms.
	redisDeleteBatch = 256
)

// redisError is an error reply sent by the server. The connection stays usable after one.
type redisError string

func (e redisError) Error() string { return "redis: " + string(e) }

// RedisClient speaks the subset of RESP used for room counters and rate limits: AUTH, SELECT,
// PING, INCR, PEXPIRE, PTTL, GET, SET and DEL. One connection is guarded by a mutex and every
// command runs under a deadline. Idempotent commands are retried once on a fresh connection
// when the old one turns out to be broken, e.g. after a Redis restart.
type RedisClient struct {
	cfg    RedisConfig
	prefix string

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
	buf  []byte
}

// NewRedisClient creates a client and dials eagerly so misconfiguration surfaces at start-up.
func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}

	prefix := normalizeKey(strings.TrimSpace(cfg.KeyPrefix))
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	client := &RedisClient{cfg: cfg, prefix: prefix}

	client.mu.Lock()
	err := client.connectLocked(context.Background())
	client.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Close closes the underlying network connection.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.rd = nil, nil
	return err
}

// Ping verifies the connection is usable.
func (c *RedisClient) Ping(ctx context.Context) error {
	reply, err := c.exec(ctx, true, "PING")
	if err != nil {
		return err
	}
	if status, _ := reply.(string); !strings.EqualFold(status, "PONG") {
		return fmt.Errorf("redis: unexpected PING reply %v", reply)
	}
	return nil
}

// IncrementWithTTL increments key and arms its expiry on the first hit of a window. It returns
// the current count and the remaining time-to-live.
func (c *RedisClient) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	name := c.key(key)
	count, err := integerReply(c.exec(ctx, false, "INCR", name))
	if err != nil {
		return 0, 0, err
	}
	if count == 1 {
		if _, err := integerReply(c.exec(ctx, true, "PEXPIRE", name, millis(window))); err != nil {
			return 0, 0, err
		}
	}

	remaining, err := integerReply(c.exec(ctx, true, "PTTL", name))
	if err != nil || remaining < 0 {
		return count, window, nil
	}
	return count, time.Duration(remaining) * time.Millisecond, nil
}

// Set stores value under key. A non positive ttl keeps the key until it is deleted.
func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []string{"SET", c.key(key), string(value)}
	if ttl > 0 {
		args = append(args, "PX", millis(ttl))
	}
	reply, err := c.exec(ctx, true, args...)
	if err != nil {
		return err
	}
	if status, _ := reply.(string); !strings.EqualFold(status, "OK") {
		return fmt.Errorf("redis: unexpected SET reply %v", reply)
	}
	return nil
}

// Get returns the value stored under key.
func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, bool, error) {
	reply, err := c.exec(ctx, true, "GET", c.key(key))
	if err != nil {
		return nil, false, err
	}
	switch v := reply.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return v, true, nil
	default:
		return nil, false, fmt.Errorf("redis: unexpected GET reply %T", v)
	}
}

// Delete removes keys, ignoring missing ones.
func (c *RedisClient) Delete(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += redisDeleteBatch {
		end := min(start+redisDeleteBatch, len(keys))
		args := make([]string, 0, end-start+1)
		args = append(args, "DEL")
		for _, key := range keys[start:end] {
			args = append(args, c.key(key))
		}
		if _, err := integerReply(c.exec(ctx, true, args...)); err != nil {
			return err
		}
	}
	return nil
}

func (c *RedisClient) key(key string) string {
	name := normalizeKey(key)
	if strings.HasPrefix(name, c.prefix) {
		return name
	}
	return normalizeKey(c.prefix + name)
}

// exec sends one command. A broken reused connection is replaced and, for idempotent
// commands, the command is sent once more.
func (c *RedisClient) exec(ctx context.Context, idempotent bool, args ...string) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		reused := c.conn != nil
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}

		reply, err := c.roundTripLocked(ctx, args)
		if err == nil {
			return reply, nil
		}
		var replyErr redisError
		if errors.As(err, &replyErr) {
			return nil, err
		}

		c.resetLocked()
		if !idempotent || !reused || attempt > 0 || ctx.Err() != nil {
			return nil, err
		}
	}
}

func (c *RedisClient) roundTripLocked(ctx context.Context, args []string) (any, error) {
	if err := c.conn.SetDeadline(deadline(ctx, c.cfg.Timeout)); err != nil {
		return nil, err
	}
	c.buf = appendCommand(c.buf[:0], args)
	if _, err := c.conn.Write(c.buf); err != nil {
		return nil, err
	}
	return readReply(c.rd)
}

func (c *RedisClient) connectLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if c.cfg.TLS {
		conn, err = (&tls.Dialer{NetDialer: &net.Dialer{}}).DialContext(dialCtx, "tcp", c.cfg.Address)
	} else {
		conn, err = (&net.Dialer{}).DialContext(dialCtx, "tcp", c.cfg.Address)
	}
	if err != nil {
		return fmt.Errorf("redis: dial %s: %w", c.cfg.Address, err)
	}
	c.conn, c.rd = conn, bufio.NewReader(conn)

	var handshake [][]string
	switch {
	case c.cfg.Username != "":
		handshake = append(handshake, []string{"AUTH", c.cfg.Username, c.cfg.Password})
	case c.cfg.Password != "":
		handshake = append(handshake, []string{"AUTH", c.cfg.Password})
	}
	if c.cfg.DB > 0 {
		handshake = append(handshake, []string{"SELECT", strconv.Itoa(c.cfg.DB)})
	}
	for _, args := range handshake {
		reply, err := c.roundTripLocked(dialCtx, args)
		if err == nil {
			if status, _ := reply.(string); !strings.EqualFold(status, "OK") {
				err = fmt.Errorf("unexpected reply %v", reply)
			}
		}
		if err != nil {
			c.resetLocked()
			return fmt.Errorf("redis: %s failed: %w", args[0], err)
		}
	}
	return nil
}

func (c *RedisClient) resetLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn, c.rd = nil, nil
}

func deadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}

func integerReply(reply any, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	switch v := reply.(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("redis: unexpected integer reply %T", v)
	}
}

// appendCommand encodes args as a RESP array of bulk strings.
func appendCommand(buf []byte, args []string) []byte {
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)), 10)
	buf = append(buf, '\r', '\n')
	for _, arg := range args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(arg)), 10)
		buf = append(buf, '\r', '\n')
		buf = append(buf, arg...)
		buf = append(buf, '\r', '\n')
	}
	return buf
}

// readReply decodes one RESP value: status lines as string, integers as int64, bulk strings
// as []byte, arrays as []any and nil bulk strings or arrays as nil.
func readReply(r *bufio.Reader) (any, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	if line == "" {
		return nil, errors.New("redis: empty reply line")
	}

	kind, body := line[0], line[1:]
	switch kind {
	case '+':
		return body, nil
	case '-':
		return nil, redisError(body)
	case ':':
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case '$':
		size, err := strconv.Atoi(body)
		if err != nil {
			return nil, err
		}
		if size < 0 {
			return nil, nil
		}
		payload := make([]byte, size+2)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		if payload[size] != '\r' || payload[size+1] != '\n' {
			return nil, errors.New("redis: bulk reply not terminated by CRLF")
		}
		return payload[:size], nil
	case '*':
		count, err := strconv.Atoi(body)
		if err != nil {
			return nil, err
		}
		if count < 0 {
			return nil, nil
		}
		items := make([]any, count)
		for i := range items {
			if items[i], err = readReply(r); err != nil {
				return nil, err
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("redis: unexpected reply prefix %q", kind)
	}
}

// normalizeKey collapses runs of ':' so "rooms::1" and "rooms:1" address the same key.
func normalizeKey(key string) string {
	if !strings.Contains(key, "::") {
		return key
	}
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == ':' && i > 0 && key[i-1] == ':' {
			continue
		}
		b.WriteByte(key[i])
	}
	return b.String()
}

func millis(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.FormatInt(d.Milliseconds(), 10)
}
