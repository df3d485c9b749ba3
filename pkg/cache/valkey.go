package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"

	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// ValkeyConfig configures the Valkey/Redis backend. A single address dials a
// standalone server; several addresses dial a cluster.
type ValkeyConfig struct {
	Addrs     []string
	Password  string
	DB        int
	KeyPrefix string
	Channel   string
	PoolSize  int
	// TombstoneTTL bounds how long a removed key rejects writes.
	TombstoneTTL time.Duration
	// TLS enables TLS to every node when set.
	TLS *tls.Config
}

func (c ValkeyConfig) withDefaults() ValkeyConfig {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "mirador-session"
	}
	if c.Channel == "" {
		c.Channel = c.KeyPrefix + ":events"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = DefaultTombstoneTTL
	}
	return c
}

// Hash fields of one entry. Attribute fields are prefixed with "a:".
const (
	fieldVersion  = "_v"
	fieldOrigin   = "_o"
	fieldMetadata = "_m"
	attrPrefix    = "a:"
)

// applyScript performs compare-version-then-write and publishes the events of
// the write in the same atomic step.
//
// KEYS[1] entry hash, KEYS[2] tombstone of the entry.
// ARGV: version, origin, metadata, replace, ttl ms, channel, logical key,
// number of puts, put name/value pairs..., removed names...
var applyScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1]) == 1
local cur = tonumber(redis.call('HGET', KEYS[1], '_v') or '0')
local ver = tonumber(ARGV[1])
if exists and ver <= cur then
  return {0, cur}
end
if not exists then
  local tomb = redis.call('GET', KEYS[2])
  if tomb then
    return {0, tonumber(tomb)}
  end
end
local nput = tonumber(ARGV[8])
local putNames = {}
local putSet = {}
local idx = 9
for i = 1, nput do
  putNames[i] = ARGV[idx]
  putSet[ARGV[idx]] = ARGV[idx + 1]
  idx = idx + 2
end
local removed = {}
if exists and ARGV[4] == '1' then
  local names = redis.call('HKEYS', KEYS[1])
  for _, f in ipairs(names) do
    if string.sub(f, 1, 2) == 'a:' then
      local n = string.sub(f, 3)
      if putSet[n] == nil then
        table.insert(removed, n)
      end
      redis.call('HDEL', KEYS[1], f)
    end
  end
end
for j = idx, #ARGV do
  if redis.call('HDEL', KEYS[1], 'a:' .. ARGV[j]) == 1 then
    table.insert(removed, ARGV[j])
  end
end
redis.call('HSET', KEYS[1], '_v', ARGV[1], '_o', ARGV[2], '_m', ARGV[3])
for _, n in ipairs(putNames) do
  redis.call('HSET', KEYS[1], 'a:' .. n, putSet[n])
end
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
else
  redis.call('PERSIST', KEYS[1])
end
table.sort(removed)
for _, n in ipairs(removed) do
  redis.call('PUBLISH', ARGV[6], 'removed|' .. ARGV[1] .. '|' .. ARGV[2] .. '|' .. ARGV[7] .. '|' .. n)
end
local kind = 'modified'
if not exists then
  kind = 'created'
end
redis.call('PUBLISH', ARGV[6], kind .. '|' .. ARGV[1] .. '|' .. ARGV[2] .. '|' .. ARGV[7] .. '|')
return {1, ver}
`)

// removeScript deletes an entry, leaves a tombstone carrying its version and
// publishes the removal.
//
// KEYS[1] entry hash, KEYS[2] tombstone of the entry.
// ARGV: logical key, origin, channel, tombstone ttl ms.
var removeScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], '_v')
if not v then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], v, 'PX', ARGV[4])
redis.call('PUBLISH', ARGV[3], 'removed|' .. v .. '|' .. ARGV[2] .. '|' .. ARGV[1] .. '|')
return 1
`)

// Valkey is a Store backed by Valkey or Redis. Every entry is one hash whose
// hash tag covers the session key, so entries spread over the cluster slots
// and an entry shares its slot only with its tombstone. The key index lives
// in its own slot and is maintained outside the scripts.
type Valkey struct {
	client redis.UniversalClient
	cfg    ValkeyConfig
	logger logger.Logger
	events *dispatcher

	mu     sync.Mutex
	pubsub *redis.PubSub
	pumpWG sync.WaitGroup
	closed bool
}

// NewValkey dials the configured servers and verifies the connection.
func NewValkey(cfg ValkeyConfig, log logger.Logger) (*Valkey, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("valkey: no addresses configured")
	}
	cfg = cfg.withDefaults()
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		DB:           cfg.DB,
		Password:     cfg.Password,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		TLSConfig:    cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Valkey: %w: %w", ErrUnavailable, err)
	}
	return NewValkeyFromClient(client, cfg, log), nil
}

// NewValkeyFromClient wraps an existing client. The store owns the client and
// closes it on Close.
func NewValkeyFromClient(client redis.UniversalClient, cfg ValkeyConfig, log logger.Logger) *Valkey {
	if log == nil {
		log = logger.NewNop()
	}
	return &Valkey{
		client: client,
		cfg:    cfg.withDefaults(),
		logger: log,
		events: newDispatcher(log),
	}
}

func (v *Valkey) entryKey(key string) string {
	return fmt.Sprintf("{%s:%s}", v.cfg.KeyPrefix, key)
}

func (v *Valkey) tombKey(key string) string {
	return v.entryKey(key) + ":tomb"
}

func (v *Valkey) indexKey() string {
	return fmt.Sprintf("{%s}:keys", v.cfg.KeyPrefix)
}

// Apply implements Store.
func (v *Valkey) Apply(ctx context.Context, m Mutation) (ApplyResult, error) {
	if err := validateMutation(m); err != nil {
		return ApplyResult{}, err
	}
	replace := "0"
	if m.Replace {
		replace = "1"
	}
	names := make([]string, 0, len(m.Put))
	for name := range m.Put {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]interface{}, 0, 8+2*len(m.Put)+len(m.Remove))
	args = append(args,
		m.Version,
		m.Origin,
		m.Metadata,
		replace,
		m.TTL.Milliseconds(),
		v.cfg.Channel,
		m.Key,
		len(m.Put),
	)
	for _, name := range names {
		args = append(args, name, m.Put[name])
	}
	for _, name := range m.Remove {
		args = append(args, name)
	}

	res, err := applyScript.Run(ctx, v.client, []string{v.entryKey(m.Key), v.tombKey(m.Key)}, args...).Result()
	if err != nil {
		return ApplyResult{}, v.wrapErr("apply", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return ApplyResult{}, fmt.Errorf("valkey apply: unexpected script reply %v", res)
	}
	applied, _ := vals[0].(int64)
	current, _ := vals[1].(int64)
	if applied == 1 {
		// Keys prunes members whose entry is gone, so a lost SREM is harmless;
		// a lost SADD only hides the key from Keys until the next write.
		if err := v.client.SAdd(ctx, v.indexKey(), m.Key).Err(); err != nil {
			v.logger.Warn("Failed to index session key", "key", m.Key, "error", err)
		}
	}
	return ApplyResult{Applied: applied == 1, Current: current}, nil
}

// Get implements Store.
func (v *Valkey) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		all *redis.StringStringMapCmd
		ttl *redis.DurationCmd
	)
	_, err := v.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		all = p.HGetAll(ctx, v.entryKey(key))
		ttl = p.PTTL(ctx, v.entryKey(key))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, v.wrapErr("get", err)
	}
	fields := all.Val()
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseValkeyEntry(key, fields, ttl.Val(), time.Now())
}

func parseValkeyEntry(key string, fields map[string]string, ttl time.Duration, now time.Time) (*Entry, error) {
	version, err := strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("valkey get %q: malformed version: %w", key, err)
	}
	e := &Entry{
		Key:      key,
		Version:  version,
		Origin:   fields[fieldOrigin],
		Metadata: []byte(fields[fieldMetadata]),
		Fields:   make(map[string][]byte),
	}
	for name, value := range fields {
		if strings.HasPrefix(name, attrPrefix) {
			e.Fields[strings.TrimPrefix(name, attrPrefix)] = []byte(value)
		}
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e, nil
}

// Remove implements Store.
func (v *Valkey) Remove(ctx context.Context, key, origin string) error {
	keys := []string{v.entryKey(key), v.tombKey(key)}
	err := removeScript.Run(ctx, v.client, keys, key, origin, v.cfg.Channel, v.cfg.TombstoneTTL.Milliseconds()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return v.wrapErr("remove", err)
	}
	if err := v.client.SRem(ctx, v.indexKey(), key).Err(); err != nil {
		v.logger.Warn("Failed to unindex session key", "key", key, "error", err)
	}
	return nil
}

// Keys implements Store. Index members whose entry expired are pruned.
func (v *Valkey) Keys(ctx context.Context) ([]string, error) {
	members, err := v.client.SMembers(ctx, v.indexKey()).Result()
	if err != nil {
		return nil, v.wrapErr("keys", err)
	}
	if len(members) == 0 {
		return []string{}, nil
	}
	exists := make([]*redis.IntCmd, len(members))
	_, err = v.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range members {
			exists[i] = p.Exists(ctx, v.entryKey(k))
		}
		return nil
	})
	if err != nil {
		return nil, v.wrapErr("keys", err)
	}
	live := make([]string, 0, len(members))
	var stale []interface{}
	for i, k := range members {
		if exists[i].Val() == 1 {
			live = append(live, k)
		} else {
			stale = append(stale, k)
		}
	}
	if len(stale) > 0 {
		if err := v.client.SRem(ctx, v.indexKey(), stale...).Err(); err != nil {
			v.logger.Warn("Failed to prune expired session keys from index", "count", len(stale), "error", err)
		}
	}
	sort.Strings(live)
	return live, nil
}

// Subscribe implements Store. The first subscription opens the Pub/Sub
// connection; later ones share it.
func (v *Valkey) Subscribe(h Handler) (Subscription, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}
	if v.pubsub == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ps := v.client.Subscribe(ctx, v.cfg.Channel)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, v.wrapErr("subscribe", err)
		}
		v.pubsub = ps
		v.pumpWG.Add(1)
		go v.pump(ps.Channel())
	}
	return v.events.subscribe(h)
}

func (v *Valkey) pump(ch <-chan *redis.Message) {
	defer v.pumpWG.Done()
	for msg := range ch {
		e, err := decodeEvent(msg.Payload)
		if err != nil {
			v.logger.Warn("Dropping malformed replication event", "payload", msg.Payload, "error", err)
			continue
		}
		v.events.publish(e)
	}
}

// Ping implements Store.
func (v *Valkey) Ping(ctx context.Context) error {
	if err := v.client.Ping(ctx).Err(); err != nil {
		return v.wrapErr("ping", err)
	}
	return nil
}

// Close implements Store.
func (v *Valkey) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	ps := v.pubsub
	v.mu.Unlock()

	var err error
	if ps != nil {
		err = multierr.Append(err, ps.Close())
		v.pumpWG.Wait()
	}
	v.events.close()
	return multierr.Append(err, v.client.Close())
}

func (v *Valkey) wrapErr(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("valkey %s: %w: %w", op, ErrTimeout, err)
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("valkey %s: %w", op, ErrClosed)
	case errors.Is(err, io.EOF), IsTransient(err):
		return NewTransientError(fmt.Errorf("valkey %s: %w: %w", op, ErrUnavailable, err))
	default:
		return fmt.Errorf("valkey %s: %w", op, err)
	}
}

var _ Store = (*Valkey)(nil)
