package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/db"
	"github.com/statorio/stator/pkg/fsm"
)

const activeColumns = "id, current_state, last_state_change, complete, created_at, context"

// multiTableAdapter is the multi-table storage mode: one table per UTC day
// per entity type, plus a single archive twin per type.
type multiTableAdapter struct {
	pool     *db.Pool
	config   Config
	settings settings
	stores   map[string]*multiTableStore
}

// NewMultiTableAdapter creates the multi-table storage mode on an open pool.
// The pool stays caller-owned. Archive twin tables are created eagerly so
// archival never races table creation; dated tables are created on first
// write.
func NewMultiTableAdapter(pool *db.Pool, config Config, mappings []Mapping, opts ...Option) (Adapter, error) {
	// Fail-fast: Validate configuration
	if pool == nil {
		return nil, core.NewError(core.CodeConfig, "pool cannot be nil")
	}
	byType, err := validateMappings(config, mappings)
	if err != nil {
		return nil, err
	}

	a := &multiTableAdapter{
		pool:     pool,
		config:   config,
		settings: newSettings(opts...),
		stores:   make(map[string]*multiTableStore, len(byType)),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for machineType, mapping := range byType {
		s := &multiTableStore{
			pool:     pool,
			dialect:  pool.Dialect(),
			mapping:  mapping,
			config:   config,
			settings: a.settings,
			ensured:  make(map[string]bool),
		}
		if err := s.ensureTable(ctx, s.archiveTable()); err != nil {
			return nil, err
		}
		a.stores[machineType] = s
	}
	return a, nil
}

func (a *multiTableAdapter) For(machineType string) (EntityStore, error) {
	s, ok := a.stores[machineType]
	if !ok {
		return nil, core.NewError(core.CodeUnknownMachine,
			fmt.Sprintf("no entity mapping for machine type %s", machineType))
	}
	return s, nil
}

func (a *multiTableAdapter) Types() []string {
	types := make([]string, 0, len(a.stores))
	for t := range a.stores {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Prune drops dated tables older than cutoff. Multi-table mode creates
// tables lazily on write, so rotation has nothing to pre-create here.
func (a *multiTableAdapter) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	dropped := 0
	limit := dayStart(cutoff)
	for _, s := range a.stores {
		n, err := s.prune(ctx, limit)
		dropped += n
		if err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

var _ Adapter = (*multiTableAdapter)(nil)

// multiTableStore is the per-entity-type store of the multi-table mode.
type multiTableStore struct {
	pool     *db.Pool
	dialect  db.Dialect
	mapping  Mapping
	config   Config
	settings settings

	mu      sync.Mutex
	ensured map[string]bool
}

func (s *multiTableStore) tableFor(created time.Time) string {
	return s.mapping.Table + "_" + daySuffix(created)
}

func (s *multiTableStore) archiveTable() string {
	return s.mapping.Table + "_history"
}

// ensureTable creates the table if needed. Created tables are remembered so
// the hot path issues no DDL.
func (s *multiTableStore) ensureTable(ctx context.Context, name string) error {
	s.mu.Lock()
	done := s.ensured[name]
	s.mu.Unlock()
	if done {
		return nil
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		current_state TEXT NOT NULL,
		last_state_change BIGINT NOT NULL,
		complete BOOLEAN NOT NULL,
		created_at BIGINT NOT NULL,
		context TEXT NOT NULL
	)`, name)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot create table %s", name), err)
	}

	s.mu.Lock()
	s.ensured[name] = true
	s.mu.Unlock()
	return nil
}

func (s *multiTableStore) Insert(ctx context.Context, pc fsm.PersistentContext) error {
	r, err := encodeRow(pc)
	if err != nil {
		return err
	}

	table := s.tableFor(pc.CreatedAt())
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}

	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			current_state = excluded.current_state,
			last_state_change = excluded.last_state_change,
			complete = excluded.complete,
			context = excluded.context`, table, activeColumns))
	_, err = s.pool.Exec(ctx, query, r.id, r.currentState, r.lastStateChange, r.complete, r.createdAt, r.contextJSON)
	if err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot insert machine %s", r.id), err)
	}
	return nil
}

func (s *multiTableStore) FindByID(ctx context.Context, machineID string) (fsm.PersistentContext, error) {
	if machineID == "" {
		return nil, core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}

	pc, _, err := s.locate(ctx, machineID)
	return pc, err
}

// locate fans the id lookup out from today back through the retention
// window and reports which dated table held the row.
func (s *multiTableStore) locate(ctx context.Context, machineID string) (fsm.PersistentContext, string, error) {
	query := s.dialect.Rebind(fmt.Sprintf("SELECT %s FROM %%s WHERE id = ?", activeColumns))
	today := dayStart(s.settings.now())

	for i := 0; i <= s.config.RetentionDays; i++ {
		table := s.tableFor(today.AddDate(0, 0, -i))

		var r row
		err := s.pool.QueryRow(ctx, fmt.Sprintf(query, table), machineID).
			Scan(&r.id, &r.currentState, &r.lastStateChange, &r.complete, &r.createdAt, &r.contextJSON)
		switch {
		case err == nil:
			pc, derr := decodeRow(s.mapping, r)
			return pc, table, derr
		case errors.Is(err, sql.ErrNoRows):
			continue
		case db.IsMissingTable(err):
			// Soft miss: the day never had a write
			continue
		default:
			return nil, "", core.WrapError(core.CodePersistence,
				fmt.Sprintf("cannot look up machine %s", machineID), err)
		}
	}
	return nil, "", core.NewError(core.CodeNotFound,
		fmt.Sprintf("machine %s not found", machineID))
}

func (s *multiTableStore) UpdateByID(ctx context.Context, machineID string, pc fsm.PersistentContext) error {
	r, err := encodeRow(pc)
	if err != nil {
		return err
	}
	if machineID != r.id {
		return core.NewError(core.CodeInvalidInput,
			fmt.Sprintf("machine id mismatch: %s vs context %s", machineID, r.id))
	}

	table := s.tableFor(pc.CreatedAt())
	if err := s.ensureTable(ctx, table); err != nil {
		return err
	}

	query := s.dialect.Rebind(fmt.Sprintf(`UPDATE %s SET
		current_state = ?, last_state_change = ?, complete = ?, context = ?
		WHERE id = ?`, table))
	res, err := s.pool.Exec(ctx, query, r.currentState, r.lastStateChange, r.complete, r.contextJSON, r.id)
	if err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot update machine %s", r.id), err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot update machine %s", r.id), err)
	}
	if affected == 0 {
		// Row was never inserted (or was pruned); updates are idempotent
		// per id, so write it now
		return s.Insert(ctx, pc)
	}
	return nil
}

func (s *multiTableStore) FindAllByDateRange(ctx context.Context, start, end time.Time) ([]fsm.PersistentContext, error) {
	if end.Before(start) {
		return nil, core.NewError(core.CodeInvalidInput, "date range end precedes start")
	}

	query := s.dialect.Rebind(fmt.Sprintf(
		"SELECT %s FROM %%s WHERE created_at >= ? AND created_at < ? ORDER BY created_at", activeColumns))
	startMillis := start.UnixMilli()
	endMillis := end.UnixMilli()

	var out []fsm.PersistentContext
	lastDay := dayStart(end)
	for day := dayStart(start); !day.After(lastDay); day = day.AddDate(0, 0, 1) {
		table := s.tableFor(day)
		rows, err := s.pool.Query(ctx, fmt.Sprintf(query, table), startMillis, endMillis)
		if err != nil {
			if db.IsMissingTable(err) {
				continue
			}
			return nil, core.WrapError(core.CodePersistence,
				fmt.Sprintf("cannot query table %s", table), err)
		}

		decoded, err := s.collect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded...)
	}
	return out, nil
}

func (s *multiTableStore) FindAllInStates(ctx context.Context, states ...string) ([]fsm.PersistentContext, error) {
	if len(states) == 0 {
		return nil, core.NewError(core.CodeInvalidInput, "at least one state is required")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	query := s.dialect.Rebind(fmt.Sprintf(
		"SELECT %s FROM %%s WHERE current_state IN (%s) ORDER BY created_at", activeColumns, placeholders))
	args := make([]interface{}, len(states))
	for i, st := range states {
		args[i] = st
	}

	var out []fsm.PersistentContext
	today := dayStart(s.settings.now())
	for i := s.config.RetentionDays; i >= 0; i-- {
		table := s.tableFor(today.AddDate(0, 0, -i))
		rows, err := s.pool.Query(ctx, fmt.Sprintf(query, table), args...)
		if err != nil {
			if db.IsMissingTable(err) {
				continue
			}
			return nil, core.WrapError(core.CodePersistence,
				fmt.Sprintf("cannot query table %s", table), err)
		}

		decoded, err := s.collect(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded...)
	}
	return out, nil
}

func (s *multiTableStore) collect(rows *sql.Rows) ([]fsm.PersistentContext, error) {
	defer rows.Close()

	var out []fsm.PersistentContext
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.currentState, &r.lastStateChange, &r.complete, &r.createdAt, &r.contextJSON); err != nil {
			return nil, core.WrapError(core.CodePersistence, "cannot scan row", err)
		}
		pc, err := decodeRow(s.mapping, r)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, core.WrapError(core.CodePersistence, "cannot read rows", err)
	}
	return out, nil
}

// Archive moves the machine's row into the archive twin in one transaction.
// On any failure the transaction rolls back and the row stays in the active
// table so the caller can retry. Archiving an id with no active row is a
// no-op.
func (s *multiTableStore) Archive(ctx context.Context, machineID string) error {
	if machineID == "" {
		return core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}

	_, table, err := s.locate(ctx, machineID)
	if err != nil {
		if core.HasCode(err, core.CodeNotFound) {
			s.settings.logger.Debugf("archive: machine %s has no active row", machineID)
			return nil
		}
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot begin archive of %s", machineID), err)
	}
	defer tx.Rollback()

	insert := s.dialect.Rebind(fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s WHERE id = ?",
		s.archiveTable(), activeColumns, activeColumns, table))
	if _, err := tx.ExecContext(ctx, insert, machineID); err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot copy %s into %s", machineID, s.archiveTable()), err)
	}

	del := s.dialect.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", table))
	if _, err := tx.ExecContext(ctx, del, machineID); err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot delete %s from %s", machineID, table), err)
	}

	if err := tx.Commit(); err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot commit archive of %s", machineID), err)
	}
	return nil
}

// prune drops this entity's dated tables older than limit.
func (s *multiTableStore) prune(ctx context.Context, limit time.Time) (int, error) {
	rows, err := s.pool.Query(ctx, s.dialect.TablesLike(), s.mapping.Table+"_%")
	if err != nil {
		return 0, core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot list tables for %s", s.mapping.Table), err)
	}

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, core.WrapError(core.CodePersistence, "cannot scan table name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, core.WrapError(core.CodePersistence, "cannot list tables", err)
	}
	rows.Close()

	dropped := 0
	for _, name := range names {
		if !strings.HasPrefix(name, s.mapping.Table+"_") {
			continue
		}
		day, ok := parseTableDate(name)
		if !ok || !day.Before(limit) {
			continue
		}
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			return dropped, core.WrapError(core.CodePersistence,
				fmt.Sprintf("cannot drop table %s", name), err)
		}
		s.mu.Lock()
		delete(s.ensured, name)
		s.mu.Unlock()
		s.settings.logger.Infof("pruned table %s", name)
		dropped++
	}
	return dropped, nil
}

var _ EntityStore = (*multiTableStore)(nil)
var _ fsm.Persistence = (*multiTableStore)(nil)
