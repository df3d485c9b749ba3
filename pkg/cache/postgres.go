package cache

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"go.uber.org/multierr"

	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	pgSessionsTable = "replicated_sessions"
	pgFieldsTable   = "replicated_session_fields"
	pgTombsTable    = "replicated_session_tombstones"
)

// PostgresSchema creates the tables used by the Postgres store.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS replicated_sessions (
	id          TEXT PRIMARY KEY,
	version     BIGINT NOT NULL,
	origin      TEXT NOT NULL,
	metadata    BYTEA,
	expires_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS replicated_sessions_expires_at_idx ON replicated_sessions (expires_at);
CREATE TABLE IF NOT EXISTS replicated_session_fields (
	session_id  TEXT NOT NULL REFERENCES replicated_sessions (id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	value       BYTEA NOT NULL,
	PRIMARY KEY (session_id, name)
);
CREATE TABLE IF NOT EXISTS replicated_session_tombstones (
	id          TEXT PRIMARY KEY,
	version     BIGINT NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
`

// PostgresConfig configures the Postgres backend.
type PostgresConfig struct {
	// DSN is used by the LISTEN connection and by OpenPostgres.
	DSN     string
	Channel string
	// CleanupInterval enables the expired row purge when positive.
	CleanupInterval time.Duration
	// TombstoneTTL bounds how long a removed key rejects writes.
	TombstoneTTL time.Duration
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.Channel == "" {
		c.Channel = "mirador_session_events"
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = DefaultTombstoneTTL
	}
	return c
}

// Postgres is a Store backed by PostgreSQL. Writes are version guarded inside
// a transaction; events travel through NOTIFY and are delivered on commit.
type Postgres struct {
	db     *sql.DB
	ownsDB bool
	cfg    PostgresConfig
	logger logger.Logger
	events *dispatcher

	mu       sync.Mutex
	listener *pq.Listener
	pumpDone chan struct{}
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPostgres wraps an open database handle. The caller keeps ownership of db.
func NewPostgres(db *sql.DB, cfg PostgresConfig, log logger.Logger) *Postgres {
	if log == nil {
		log = logger.NewNop()
	}
	return &Postgres{
		db:     db,
		cfg:    cfg.withDefaults(),
		logger: log,
		events: newDispatcher(log),
	}
}

// OpenPostgres connects to cfg.DSN, creates the schema and starts the cleanup
// routine when configured.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, log logger.Logger) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w: %w", ErrUnavailable, err)
	}
	p := NewPostgres(db, cfg, log)
	p.ownsDB = true
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.CleanupInterval > 0 {
		p.StartCleanupRoutine(cfg.CleanupInterval)
	}
	return p, nil
}

// EnsureSchema creates the store tables when missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("creating session schema: %w", err)
	}
	return nil
}

// Apply implements Store.
func (p *Postgres) Apply(ctx context.Context, m Mutation) (res ApplyResult, err error) {
	if err := validateMutation(m); err != nil {
		return ApplyResult{}, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyResult{}, p.wrapErr("apply", err)
	}
	defer func() {
		if err != nil || !res.Applied {
			_ = tx.Rollback()
		}
	}()

	query, args, err := psq.Select("version", "expires_at").
		From(pgSessionsTable).
		Where(sq.Eq{"id": m.Key}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return ApplyResult{}, fmt.Errorf("building version query: %w", err)
	}
	var (
		current   int64
		expiresAt sql.NullTime
		exists    = true
	)
	switch err := tx.QueryRowContext(ctx, query, args...).Scan(&current, &expiresAt); {
	case errors.Is(err, sql.ErrNoRows):
		exists = false
	case err != nil:
		return ApplyResult{}, p.wrapErr("apply", err)
	}
	if exists && expiresAt.Valid && !time.Now().Before(expiresAt.Time) {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+pgSessionsTable+" WHERE id = $1", m.Key); err != nil {
			return ApplyResult{}, p.wrapErr("apply", err)
		}
		exists = false
	}
	if exists && m.Version <= current {
		return ApplyResult{Applied: false, Current: current}, nil
	}
	if !exists {
		tomb, found, err := p.tombstone(ctx, tx, m.Key)
		if err != nil {
			return ApplyResult{}, err
		}
		if found {
			return ApplyResult{Applied: false, Current: tomb}, nil
		}
	}

	var expires sql.NullTime
	if m.TTL > 0 {
		expires = sql.NullTime{Time: time.Now().Add(m.TTL).UTC(), Valid: true}
	}
	query, args, err = psq.Insert(pgSessionsTable).
		Columns("id", "version", "origin", "metadata", "expires_at").
		Values(m.Key, m.Version, m.Origin, m.Metadata, expires).
		Suffix("ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, origin = EXCLUDED.origin, metadata = EXCLUDED.metadata, expires_at = EXCLUDED.expires_at").
		ToSql()
	if err != nil {
		return ApplyResult{}, fmt.Errorf("building upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return ApplyResult{}, p.wrapErr("apply", err)
	}

	var removed []string
	if exists && m.Replace {
		keep := make([]string, 0, len(m.Put))
		for name := range m.Put {
			keep = append(keep, name)
		}
		names, err := p.deleteFields(ctx, tx, psq.Delete(pgFieldsTable).
			Where(sq.Eq{"session_id": m.Key}).
			Where("NOT (name = ANY(?))", pq.Array(keep)))
		if err != nil {
			return ApplyResult{}, err
		}
		removed = append(removed, names...)
	}
	if exists && len(m.Remove) > 0 {
		names, err := p.deleteFields(ctx, tx, psq.Delete(pgFieldsTable).
			Where(sq.Eq{"session_id": m.Key, "name": m.Remove}))
		if err != nil {
			return ApplyResult{}, err
		}
		removed = append(removed, names...)
	}

	if len(m.Put) > 0 {
		names := make([]string, 0, len(m.Put))
		for name := range m.Put {
			names = append(names, name)
		}
		sort.Strings(names)
		ins := psq.Insert(pgFieldsTable).Columns("session_id", "name", "value")
		for _, name := range names {
			ins = ins.Values(m.Key, name, m.Put[name])
		}
		query, args, err := ins.Suffix("ON CONFLICT (session_id, name) DO UPDATE SET value = EXCLUDED.value").ToSql()
		if err != nil {
			return ApplyResult{}, fmt.Errorf("building field upsert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return ApplyResult{}, p.wrapErr("apply", err)
		}
	}

	sort.Strings(removed)
	events := make([]Event, 0, len(removed)+1)
	for _, name := range removed {
		events = append(events, Event{Kind: EventRemoved, Key: m.Key, Field: name, Version: m.Version, Origin: m.Origin})
	}
	kind := EventModified
	if !exists {
		kind = EventCreated
	}
	events = append(events, Event{Kind: kind, Key: m.Key, Version: m.Version, Origin: m.Origin})
	if err := p.notify(ctx, tx, events...); err != nil {
		return ApplyResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, p.wrapErr("apply", err)
	}
	return ApplyResult{Applied: true, Current: m.Version}, nil
}

// tombstone returns the removed version recorded by a live tombstone for key.
func (p *Postgres) tombstone(ctx context.Context, tx *sql.Tx, key string) (int64, bool, error) {
	query, args, err := psq.Select("version").
		From(pgTombsTable).
		Where(sq.Eq{"id": key}).
		Where("expires_at > NOW()").
		ToSql()
	if err != nil {
		return 0, false, fmt.Errorf("building tombstone query: %w", err)
	}
	var version int64
	switch err := tx.QueryRowContext(ctx, query, args...).Scan(&version); {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, p.wrapErr("apply", err)
	}
	return version, true, nil
}

func (p *Postgres) deleteFields(ctx context.Context, tx *sql.Tx, del sq.DeleteBuilder) ([]string, error) {
	query, args, err := del.Suffix("RETURNING name").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building field delete: %w", err)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, p.wrapErr("apply", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning removed field: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, p.wrapErr("apply", err)
	}
	return names, nil
}

func (p *Postgres) notify(ctx context.Context, tx *sql.Tx, events ...Event) error {
	for _, e := range events {
		if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.cfg.Channel, encodeEvent(e)); err != nil {
			return p.wrapErr("notify", err)
		}
	}
	return nil
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, key string) (*Entry, error) {
	query, args, err := psq.Select("s.version", "s.origin", "s.metadata", "s.expires_at", "f.name", "f.value").
		From(pgSessionsTable + " s").
		LeftJoin(pgFieldsTable + " f ON f.session_id = s.id").
		Where(sq.Eq{"s.id": key}).
		Where("(s.expires_at IS NULL OR s.expires_at > NOW())").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get query: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, p.wrapErr("get", err)
	}
	defer func() { _ = rows.Close() }()

	var e *Entry
	for rows.Next() {
		var (
			version   int64
			origin    string
			metadata  []byte
			expiresAt sql.NullTime
			name      sql.NullString
			value     []byte
		)
		if err := rows.Scan(&version, &origin, &metadata, &expiresAt, &name, &value); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		if e == nil {
			e = &Entry{Key: key, Version: version, Origin: origin, Metadata: metadata, Fields: make(map[string][]byte)}
			if expiresAt.Valid {
				e.ExpiresAt = expiresAt.Time
			}
		}
		if name.Valid {
			e.Fields[name.String] = value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, p.wrapErr("get", err)
	}
	if e == nil {
		return nil, ErrNotFound
	}
	return e, nil
}

// Remove implements Store.
func (p *Postgres) Remove(ctx context.Context, key, origin string) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return p.wrapErr("remove", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query, args, err := psq.Delete(pgSessionsTable).Where(sq.Eq{"id": key}).Suffix("RETURNING version").ToSql()
	if err != nil {
		return fmt.Errorf("building remove: %w", err)
	}
	var version int64
	switch err := tx.QueryRowContext(ctx, query, args...).Scan(&version); {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return p.wrapErr("remove", err)
	}
	query, args, err = psq.Insert(pgTombsTable).
		Columns("id", "version", "expires_at").
		Values(key, version, time.Now().Add(p.cfg.TombstoneTTL).UTC()).
		Suffix("ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, expires_at = EXCLUDED.expires_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("building tombstone upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return p.wrapErr("remove", err)
	}
	if err := p.notify(ctx, tx, Event{Kind: EventRemoved, Key: key, Version: version, Origin: origin}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return p.wrapErr("remove", err)
	}
	committed = true
	return nil
}

// Keys implements Store.
func (p *Postgres) Keys(ctx context.Context) ([]string, error) {
	query, args, err := psq.Select("id").
		From(pgSessionsTable).
		Where("(expires_at IS NULL OR expires_at > NOW())").
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building keys query: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, p.wrapErr("keys", err)
	}
	defer func() { _ = rows.Close() }()

	keys := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, id)
	}
	if err := rows.Err(); err != nil {
		return nil, p.wrapErr("keys", err)
	}
	return keys, nil
}

// Subscribe implements Store. The first subscription opens a LISTEN
// connection on cfg.DSN; later ones share it.
func (p *Postgres) Subscribe(h Handler) (Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.listener == nil {
		if p.cfg.DSN == "" {
			return nil, errors.New("postgres: dsn is required for subscriptions")
		}
		l := pq.NewListener(p.cfg.DSN, 10*time.Second, time.Minute, p.reportListenerProblem)
		if err := l.Listen(p.cfg.Channel); err != nil {
			_ = l.Close()
			return nil, p.wrapErr("subscribe", err)
		}
		p.listener = l
		p.pumpDone = make(chan struct{})
		go p.pump(l.Notify, p.pumpDone)
	}
	return p.events.subscribe(h)
}

func (p *Postgres) reportListenerProblem(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		p.logger.Warn("Postgres event listener connection problem", "event", int(ev), "error", err)
	case pq.ListenerEventReconnected:
		p.logger.Info("Postgres event listener reconnected; events sent while disconnected are lost")
	}
}

func (p *Postgres) pump(ch <-chan *pq.Notification, done chan struct{}) {
	defer close(done)
	for n := range ch {
		if n == nil {
			continue
		}
		p.handleNotification(n.Extra)
	}
}

func (p *Postgres) handleNotification(payload string) {
	e, err := decodeEvent(payload)
	if err != nil {
		p.logger.Warn("Dropping malformed replication event", "payload", payload, "error", err)
		return
	}
	p.events.publish(e)
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return p.wrapErr("ping", err)
	}
	return nil
}

// Cleanup removes expired entries and tombstones.
func (p *Postgres) Cleanup(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM "+pgSessionsTable+" WHERE expires_at <= NOW()")
	if err != nil {
		return fmt.Errorf("cleaning up sessions: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, "DELETE FROM "+pgTombsTable+" WHERE expires_at <= NOW()"); err != nil {
		return fmt.Errorf("cleaning up tombstones: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired entries. The goroutine is stopped when Close is called.
func (p *Postgres) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.Cleanup(ctx); err != nil {
					p.logger.Warn("Session cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup routine, the listener and every subscription.
func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	l, pumpDone := p.listener, p.pumpDone
	p.mu.Unlock()

	var err error
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	if l != nil {
		err = multierr.Append(err, l.Close())
		<-pumpDone
	}
	p.events.close()
	if p.ownsDB {
		err = multierr.Append(err, p.db.Close())
	}
	return err
}

func (p *Postgres) wrapErr(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("postgres %s: %w: %w", op, ErrTimeout, err)
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone), IsTransient(err):
		return NewTransientError(fmt.Errorf("postgres %s: %w: %w", op, ErrUnavailable, err))
	default:
		return fmt.Errorf("postgres %s: %w", op, err)
	}
}

var _ Store = (*Postgres)(nil)
