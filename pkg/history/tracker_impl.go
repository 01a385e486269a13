package history

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/db"
)

const recordColumns = `run_id, datetime, state, event, event_ignored, event_payload,
	transition_or_stay, transition_to_state, transition_counter,
	persistent_context, volatile_context`

// Store opens per-machine trackers and readers on one database pool. The
// pool stays caller-owned.
type Store struct {
	pool   *db.Pool
	config TrackerConfig
	logger core.Logger
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithLogger sets the logger
func WithLogger(logger core.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a tracker store.
// Fail-fast: validates configuration before returning.
func NewStore(pool *db.Pool, config TrackerConfig, opts ...StoreOption) (*Store, error) {
	if pool == nil {
		return nil, core.NewError(core.CodeConfig, "pool cannot be nil")
	}
	if config.QueueSize <= 0 {
		return nil, core.NewError(core.CodeConfig, "QueueSize must be positive")
	}
	if config.BatchSize <= 0 || config.BatchSize > config.QueueSize {
		return nil, core.NewError(core.CodeConfig, "BatchSize must be positive and at most QueueSize")
	}
	if config.DrainTimeout <= 0 {
		return nil, core.NewError(core.CodeConfig, "DrainTimeout must be positive")
	}

	s := &Store{
		pool:   pool,
		config: config,
		logger: core.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Reader returns read access to a machine's history without opening a
// tracker. Used for evicted and archived machines.
func (s *Store) Reader(machineID string) Reader {
	return &sqlReader{
		pool:    s.pool,
		dialect: s.pool.Dialect(),
		table:   TableName(machineID),
	}
}

// Open creates the machine's history table if needed and starts the
// tracker's writer. One tracker per machine id at a time; the registry
// enforces this.
func (s *Store) Open(ctx context.Context, machineID string) (Tracker, error) {
	if machineID == "" {
		return nil, core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}

	table := TableName(machineID)
	dialect := s.pool.Dialect()

	if err := s.ensureTable(ctx, table); err != nil {
		return nil, err
	}

	t := &defaultTracker{
		sqlReader: sqlReader{
			pool:    s.pool,
			dialect: dialect,
			table:   table,
		},
		machineID: machineID,
		config:    s.config,
		logger:    s.logger,
		queue:     make(chan Record, s.config.QueueSize),
		insert: dialect.Rebind(fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", table, recordColumns)),
	}
	t.wg.Add(1)
	go t.writeLoop()
	return t, nil
}

// ensureTable creates a machine's history table and indexes if missing.
func (s *Store) ensureTable(ctx context.Context, table string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id %s,
		run_id TEXT NOT NULL,
		datetime BIGINT NOT NULL,
		state TEXT NOT NULL,
		event TEXT NOT NULL,
		event_ignored BOOLEAN NOT NULL,
		event_payload TEXT,
		transition_or_stay BOOLEAN NOT NULL,
		transition_to_state TEXT,
		transition_counter INTEGER NOT NULL,
		persistent_context TEXT,
		volatile_context TEXT
	)`, table, s.pool.Dialect().AutoPrimaryKey())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot create history table %s", table), err)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_datetime ON %s (datetime)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_state ON %s (state)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_event ON %s (event)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_state_counter ON %s (state, transition_counter)", table, table),
	}
	for _, ddl := range indexes {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return core.WrapError(core.CodePersistence,
				fmt.Sprintf("cannot index history table %s", table), err)
		}
	}
	return nil
}

// AppendOne writes a single record synchronously, creating the machine's
// table if needed. Serves machines that have no live tracker, like an event
// bounced off a completed machine.
func (s *Store) AppendOne(ctx context.Context, machineID string, rec Record) error {
	if machineID == "" {
		return core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}
	table := TableName(machineID)
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}

	insert := s.pool.Dialect().Rebind(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", table, recordColumns))
	_, err := s.pool.Exec(ctx, insert,
		rec.RunID, rec.Datetime, rec.State, rec.Event, rec.EventIgnored,
		nullable(rec.EventPayload), rec.TransitionOrStay,
		nullable(rec.TransitionToState), rec.TransitionCounter,
		nullable(rec.PersistentContext), nullable(rec.VolatileContext))
	if err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot write history record for %s", machineID), err)
	}
	return nil
}

// sqlReader implements Reader over one history table.
type sqlReader struct {
	pool    *db.Pool
	dialect db.Dialect
	table   string
}

func (r *sqlReader) ReadAll(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf("SELECT id, %s FROM %s ORDER BY id", recordColumns, r.table)
	return r.read(ctx, query)
}

func (r *sqlReader) ReadSince(ctx context.Context, lastID int64) ([]Record, error) {
	query := r.dialect.Rebind(fmt.Sprintf(
		"SELECT id, %s FROM %s WHERE id > ? ORDER BY id", recordColumns, r.table))
	return r.read(ctx, query, lastID)
}

func (r *sqlReader) ReadGrouped(ctx context.Context) ([]StateInstance, error) {
	records, err := r.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	return GroupRecords(records), nil
}

func (r *sqlReader) read(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		if db.IsMissingTable(err) {
			// The machine never recorded anything
			return nil, nil
		}
		return nil, core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot read history table %s", r.table), err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var payload, toState, persistent, volatile *string
		err := rows.Scan(&rec.ID, &rec.RunID, &rec.Datetime, &rec.State, &rec.Event,
			&rec.EventIgnored, &payload, &rec.TransitionOrStay, &toState,
			&rec.TransitionCounter, &persistent, &volatile)
		if err != nil {
			return nil, core.WrapError(core.CodePersistence,
				fmt.Sprintf("cannot scan history row from %s", r.table), err)
		}
		rec.EventPayload = deref(payload)
		rec.TransitionToState = deref(toState)
		rec.PersistentContext = deref(persistent)
		rec.VolatileContext = deref(volatile)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot read history table %s", r.table), err)
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Reader = (*sqlReader)(nil)

// defaultTracker drains a bounded queue into the machine's table with one
// background worker.
type defaultTracker struct {
	sqlReader
	machineID string
	config    TrackerConfig
	logger    core.Logger
	queue     chan Record
	insert    string

	appended int64
	written  int64
	failed   int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Append enqueues a record. Blocks while the queue is full; the read lock is
// held across the send so Close cannot close the channel mid-append.
func (t *defaultTracker) Append(rec Record) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		atomic.AddInt64(&t.failed, 1)
		t.logger.Warnf("history %s: record dropped after close", t.machineID)
		return
	}
	t.queue <- rec
	atomic.AddInt64(&t.appended, 1)
}

func (t *defaultTracker) Stats() TrackerStats {
	return TrackerStats{
		Appended: atomic.LoadInt64(&t.appended),
		Written:  atomic.LoadInt64(&t.written),
		Failed:   atomic.LoadInt64(&t.failed),
		Queued:   len(t.queue),
	}
}

// Close drains the queue and stops the writer. When ctx carries no deadline
// the configured DrainTimeout applies.
func (t *defaultTracker) Close(ctx context.Context) error {
	if ctx == nil {
		return core.NewError(core.CodeInvalidInput, "context cannot be nil")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.DrainTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return core.WrapError(core.CodeStopped,
			fmt.Sprintf("history %s: drain timed out", t.machineID), ctx.Err())
	}
}

func (t *defaultTracker) writeLoop() {
	defer t.wg.Done()

	batch := make([]Record, 0, t.config.BatchSize)
	for rec := range t.queue {
		batch = append(batch[:0], rec)
	fill:
		for len(batch) < t.config.BatchSize {
			select {
			case more, ok := <-t.queue:
				if !ok {
					break fill
				}
				batch = append(batch, more)
			default:
				break fill
			}
		}
		t.write(batch)
	}
}

// write persists one batch in a single transaction. Failures lose the batch:
// history is observational, so the engine is never blocked or failed by it.
func (t *defaultTracker) write(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		atomic.AddInt64(&t.failed, int64(len(batch)))
		t.logger.Errorf("history %s: cannot begin write: %v", t.machineID, err)
		return
	}

	for _, rec := range batch {
		_, err := tx.ExecContext(ctx, t.insert,
			rec.RunID, rec.Datetime, rec.State, rec.Event, rec.EventIgnored,
			nullable(rec.EventPayload), rec.TransitionOrStay,
			nullable(rec.TransitionToState), rec.TransitionCounter,
			nullable(rec.PersistentContext), nullable(rec.VolatileContext))
		if err != nil {
			tx.Rollback()
			atomic.AddInt64(&t.failed, int64(len(batch)))
			t.logger.Errorf("history %s: cannot write record: %v", t.machineID, err)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		atomic.AddInt64(&t.failed, int64(len(batch)))
		t.logger.Errorf("history %s: cannot commit write: %v", t.machineID, err)
		return
	}
	atomic.AddInt64(&t.written, int64(len(batch)))
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ Tracker = (*defaultTracker)(nil)
