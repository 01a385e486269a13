package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/fsm"
)

// partitionedAdapter is the partitioned storage mode: one PostgreSQL table
// per entity type, range-partitioned by created_at with daily partitions
// named <table>_pYYYYMMDD.
type partitionedAdapter struct {
	pool     *pgxpool.Pool
	config   Config
	settings settings
	stores   map[string]*partitionedStore
}

// NewPartitionedAdapter creates the partitioned storage mode on an open pgx
// pool. The pool stays caller-owned. Parent tables, archive twins and the
// partitions covering the retention window are created eagerly; Prune keeps
// partitions rolling forward after that.
func NewPartitionedAdapter(ctx context.Context, pool *pgxpool.Pool, config Config, mappings []Mapping, opts ...Option) (Adapter, error) {
	// Fail-fast: Validate configuration
	if pool == nil {
		return nil, core.NewError(core.CodeConfig, "pool cannot be nil")
	}
	byType, err := validateMappings(config, mappings)
	if err != nil {
		return nil, err
	}

	a := &partitionedAdapter{
		pool:     pool,
		config:   config,
		settings: newSettings(opts...),
		stores:   make(map[string]*partitionedStore, len(byType)),
	}

	for machineType, mapping := range byType {
		s := &partitionedStore{
			pool:     pool,
			mapping:  mapping,
			config:   config,
			settings: a.settings,
		}
		if err := s.ensureSchema(ctx); err != nil {
			return nil, err
		}
		if err := s.ensurePartitions(ctx, a.settings.now()); err != nil {
			return nil, err
		}
		a.stores[machineType] = s
	}
	return a, nil
}

func (a *partitionedAdapter) For(machineType string) (EntityStore, error) {
	s, ok := a.stores[machineType]
	if !ok {
		return nil, core.NewError(core.CodeUnknownMachine,
			fmt.Sprintf("no entity mapping for machine type %s", machineType))
	}
	return s, nil
}

func (a *partitionedAdapter) Types() []string {
	types := make([]string, 0, len(a.stores))
	for t := range a.stores {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Prune rotates partitions: creates the upcoming ones, then detaches and
// drops those dated before cutoff.
func (a *partitionedAdapter) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	dropped := 0
	limit := dayStart(cutoff)
	for _, s := range a.stores {
		if err := s.ensurePartitions(ctx, a.settings.now()); err != nil {
			return dropped, err
		}
		n, err := s.prune(ctx, limit)
		dropped += n
		if err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

var _ Adapter = (*partitionedAdapter)(nil)

// partitionedStore is the per-entity-type store of the partitioned mode.
type partitionedStore struct {
	pool     *pgxpool.Pool
	mapping  Mapping
	config   Config
	settings settings
}

func (s *partitionedStore) archiveTable() string {
	return s.mapping.Table + "_history"
}

func (s *partitionedStore) ensureSchema(ctx context.Context) error {
	parent := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT NOT NULL,
		current_state TEXT NOT NULL,
		last_state_change BIGINT NOT NULL,
		complete BOOLEAN NOT NULL,
		created_at BIGINT NOT NULL,
		context TEXT NOT NULL,
		PRIMARY KEY (id, created_at)
	) PARTITION BY RANGE (created_at)`, s.mapping.Table)
	if _, err := s.pool.Exec(ctx, parent); err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot create table %s", s.mapping.Table), err)
	}

	twin := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT NOT NULL,
		current_state TEXT NOT NULL,
		last_state_change BIGINT NOT NULL,
		complete BOOLEAN NOT NULL,
		created_at BIGINT NOT NULL,
		context TEXT NOT NULL,
		PRIMARY KEY (id, created_at)
	)`, s.archiveTable())
	if _, err := s.pool.Exec(ctx, twin); err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot create table %s", s.archiveTable()), err)
	}
	return nil
}

// ensurePartitions creates the daily partitions covering the retention
// window behind now plus half a window ahead, so writes never race
// partition creation between rotation runs.
func (s *partitionedStore) ensurePartitions(ctx context.Context, now time.Time) error {
	ahead := s.config.RetentionDays / 2
	if ahead < 1 {
		ahead = 1
	}

	today := dayStart(now)
	for i := -s.config.RetentionDays; i <= ahead; i++ {
		day := today.AddDate(0, 0, i)
		next := day.AddDate(0, 0, 1)
		ddl := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s_p%s PARTITION OF %s FOR VALUES FROM (%d) TO (%d)",
			s.mapping.Table, day.Format("20060102"), s.mapping.Table,
			day.UnixMilli(), next.UnixMilli())
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return core.WrapError(core.CodePersistence,
				fmt.Sprintf("cannot create partition %s_p%s", s.mapping.Table, day.Format("20060102")), err)
		}
	}
	return nil
}

func (s *partitionedStore) Insert(ctx context.Context, pc fsm.PersistentContext) error {
	r, err := encodeRow(pc)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id, created_at) DO UPDATE SET
			current_state = excluded.current_state,
			last_state_change = excluded.last_state_change,
			complete = excluded.complete,
			context = excluded.context`, s.mapping.Table, activeColumns)
	if _, err := s.pool.Exec(ctx, query, r.id, r.currentState, r.lastStateChange, r.complete, r.createdAt, r.contextJSON); err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot insert machine %s", r.id), err)
	}
	return nil
}

func (s *partitionedStore) FindByID(ctx context.Context, machineID string) (fsm.PersistentContext, error) {
	if machineID == "" {
		return nil, core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE id = $1 ORDER BY created_at DESC LIMIT 1",
		activeColumns, s.mapping.Table)

	var r row
	err := s.pool.QueryRow(ctx, query, machineID).
		Scan(&r.id, &r.currentState, &r.lastStateChange, &r.complete, &r.createdAt, &r.contextJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewError(core.CodeNotFound,
			fmt.Sprintf("machine %s not found", machineID))
	}
	if err != nil {
		return nil, core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot look up machine %s", machineID), err)
	}
	return decodeRow(s.mapping, r)
}

func (s *partitionedStore) UpdateByID(ctx context.Context, machineID string, pc fsm.PersistentContext) error {
	r, err := encodeRow(pc)
	if err != nil {
		return err
	}
	if machineID != r.id {
		return core.NewError(core.CodeInvalidInput,
			fmt.Sprintf("machine id mismatch: %s vs context %s", machineID, r.id))
	}

	query := fmt.Sprintf(`UPDATE %s SET
		current_state = $1, last_state_change = $2, complete = $3, context = $4
		WHERE id = $5 AND created_at = $6`, s.mapping.Table)
	tag, err := s.pool.Exec(ctx, query, r.currentState, r.lastStateChange, r.complete, r.contextJSON, r.id, r.createdAt)
	if err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot update machine %s", r.id), err)
	}
	if tag.RowsAffected() == 0 {
		return s.Insert(ctx, pc)
	}
	return nil
}

func (s *partitionedStore) FindAllByDateRange(ctx context.Context, start, end time.Time) ([]fsm.PersistentContext, error) {
	if end.Before(start) {
		return nil, core.NewError(core.CodeInvalidInput, "date range end precedes start")
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at",
		activeColumns, s.mapping.Table)
	rows, err := s.pool.Query(ctx, query, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot query table %s", s.mapping.Table), err)
	}
	return s.collect(rows)
}

func (s *partitionedStore) FindAllInStates(ctx context.Context, states ...string) ([]fsm.PersistentContext, error) {
	if len(states) == 0 {
		return nil, core.NewError(core.CodeInvalidInput, "at least one state is required")
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE current_state = ANY($1) ORDER BY created_at",
		activeColumns, s.mapping.Table)
	rows, err := s.pool.Query(ctx, query, states)
	if err != nil {
		return nil, core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot query table %s", s.mapping.Table), err)
	}
	return s.collect(rows)
}

func (s *partitionedStore) collect(rows pgx.Rows) ([]fsm.PersistentContext, error) {
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
// table.
func (s *partitionedStore) Archive(ctx context.Context, machineID string) error {
	if machineID == "" {
		return core.NewError(core.CodeInvalidInput, "machine id cannot be empty")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot begin archive of %s", machineID), err)
	}
	defer tx.Rollback(ctx)

	insert := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s WHERE id = $1",
		s.archiveTable(), activeColumns, activeColumns, s.mapping.Table)
	if _, err := tx.Exec(ctx, insert, machineID); err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot copy %s into %s", machineID, s.archiveTable()), err)
	}

	del := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.mapping.Table)
	if _, err := tx.Exec(ctx, del, machineID); err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot delete %s from %s", machineID, s.mapping.Table), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot commit archive of %s", machineID), err)
	}
	return nil
}

// prune detaches and drops partitions dated before limit.
func (s *partitionedStore) prune(ctx context.Context, limit time.Time) (int, error) {
	list := `SELECT c.relname
		FROM pg_inherits
		JOIN pg_class c ON c.oid = pg_inherits.inhrelid
		JOIN pg_class p ON p.oid = pg_inherits.inhparent
		WHERE p.relname = $1`
	rows, err := s.pool.Query(ctx, list, s.mapping.Table)
	if err != nil {
		return 0, core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot list partitions of %s", s.mapping.Table), err)
	}

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return 0, core.WrapError(core.CodePersistence, "cannot scan partition name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, core.WrapError(core.CodePersistence, "cannot list partitions", err)
	}
	rows.Close()

	dropped := 0
	for _, name := range names {
		day, ok := parseTableDate(name)
		if !ok || !day.Before(limit) {
			continue
		}
		detach := fmt.Sprintf("ALTER TABLE %s DETACH PARTITION %s", s.mapping.Table, name)
		if _, err := s.pool.Exec(ctx, detach); err != nil {
			return dropped, core.WrapError(core.CodePersistence,
				fmt.Sprintf("cannot detach partition %s", name), err)
		}
		if _, err := s.pool.Exec(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			return dropped, core.WrapError(core.CodePersistence,
				fmt.Sprintf("cannot drop partition %s", name), err)
		}
		s.settings.logger.Infof("pruned partition %s", name)
		dropped++
	}
	return dropped, nil
}

var _ EntityStore = (*partitionedStore)(nil)
var _ fsm.Persistence = (*partitionedStore)(nil)
