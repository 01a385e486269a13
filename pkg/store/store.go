// Package store persists machine state between events and across restarts.
//
// Two storage modes implement the same adapter contract:
//   - multi-table: one table per day (name_YYYYMMDD) over database/sql,
//     range queries fanned out across the tables that intersect the range,
//     "table does not exist" treated as a soft miss.
//   - partitioned: a single PostgreSQL table partitioned by created_at via
//     pgx, partitions (name_pYYYYMMDD) pre-created to cover the retention
//     window.
//
// Every entity type is declared up front through a Mapping; events for
// unmapped types are rejected at startup, not at runtime.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/statorio/stator/pkg/core"
	"github.com/statorio/stator/pkg/fsm"
)

// Mapping declares how one machine type is stored.
type Mapping struct {
	// MachineType is the machine type the mapping serves
	MachineType string

	// Table is the base table name; dated tables and the archive twin
	// derive from it
	Table string

	// New allocates an empty persistent context for row decoding
	New func() fsm.PersistentContext
}

// EntityStore provides row access for one entity type.
//
// Contract summary:
// - Insert and UpdateByID are idempotent per machine id.
// - FindByID returns CodeNotFound when no row exists.
// - Archive moves the row into the archive twin table in one transaction;
//   archiving an absent id is a no-op.
// - UpdateByID satisfies fsm.Persistence so a store can back a machine
//   directly.
type EntityStore interface {
	// Insert writes the initial row for a machine
	Insert(ctx context.Context, pc fsm.PersistentContext) error

	// FindByID loads the row for a machine id
	FindByID(ctx context.Context, machineID string) (fsm.PersistentContext, error)

	// UpdateByID overwrites the mutable columns for a machine id
	UpdateByID(ctx context.Context, machineID string, pc fsm.PersistentContext) error

	// FindAllByDateRange returns rows created within [start, end)
	FindAllByDateRange(ctx context.Context, start, end time.Time) ([]fsm.PersistentContext, error)

	// FindAllInStates returns rows whose current state is one of the
	// given states. The startup scan uses this to find machines that
	// reached a final state while the process was down.
	FindAllInStates(ctx context.Context, states ...string) ([]fsm.PersistentContext, error)

	// Archive moves the machine's row from the active table to the
	// archive twin in a single transaction
	Archive(ctx context.Context, machineID string) error
}

// Adapter groups the entity stores of one storage mode. Adapters do not own
// their connection pools; the embedder closes pools during shutdown.
type Adapter interface {
	// For returns the store for a machine type
	For(machineType string) (EntityStore, error)

	// Types returns the registered machine types
	Types() []string

	// Prune rotates dated tables or partitions: upcoming ones are created
	// where the mode needs them and ones dated before cutoff are dropped.
	// Returns the number dropped.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Config holds the storage settings shared by both modes
type Config struct {
	// RetentionDays bounds id lookups, partition pre-creation and pruning
	RetentionDays int
}

// DefaultConfig returns defaults suitable for a small deployment
func DefaultConfig() Config {
	return Config{RetentionDays: 30}
}

// Option configures an adapter
type Option func(*settings)

type settings struct {
	logger core.Logger
	now    func() time.Time
}

// WithLogger sets the logger
func WithLogger(logger core.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func newSettings(opts ...Option) settings {
	s := settings{
		logger: core.NewDefaultLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// validateMappings rejects the configuration errors that would otherwise
// surface as runtime SQL failures.
// Fail-fast: called by both adapter constructors before any DDL runs.
func validateMappings(config Config, mappings []Mapping) (map[string]Mapping, error) {
	if config.RetentionDays <= 0 {
		return nil, core.NewError(core.CodeConfig, "RetentionDays must be positive")
	}
	if len(mappings) == 0 {
		return nil, core.NewError(core.CodeConfig, "at least one entity mapping is required")
	}

	byType := make(map[string]Mapping, len(mappings))
	byTable := make(map[string]string, len(mappings))
	for _, m := range mappings {
		if m.MachineType == "" {
			return nil, core.NewError(core.CodeConfig, "mapping machine type cannot be empty")
		}
		if !tableNamePattern.MatchString(m.Table) {
			return nil, core.NewError(core.CodeConfig,
				fmt.Sprintf("mapping for %s has invalid table name: %q", m.MachineType, m.Table))
		}
		if m.New == nil {
			return nil, core.NewError(core.CodeConfig,
				fmt.Sprintf("mapping for %s has no context allocator", m.MachineType))
		}
		if m.New() == nil {
			return nil, core.NewError(core.CodeConfig,
				fmt.Sprintf("mapping for %s allocates nil contexts", m.MachineType))
		}
		if _, dup := byType[m.MachineType]; dup {
			return nil, core.NewError(core.CodeConfig,
				fmt.Sprintf("duplicate mapping for machine type %s", m.MachineType))
		}
		if owner, dup := byTable[m.Table]; dup {
			return nil, core.NewError(core.CodeConfig,
				fmt.Sprintf("table %s mapped by both %s and %s", m.Table, owner, m.MachineType))
		}
		byType[m.MachineType] = m
		byTable[m.Table] = m.MachineType
	}
	return byType, nil
}

// row is the column set shared by the active table, its dated variants and
// the archive twin. Timestamps are epoch milliseconds.
type row struct {
	id              string
	currentState    string
	lastStateChange int64
	complete        bool
	createdAt       int64
	contextJSON     string
}

func encodeRow(pc fsm.PersistentContext) (row, error) {
	if pc == nil {
		return row{}, core.NewError(core.CodeInvalidInput, "persistent context cannot be nil")
	}
	if pc.ID() == "" {
		return row{}, core.NewError(core.CodeInvalidInput, "persistent context id cannot be empty")
	}

	doc, err := json.Marshal(pc)
	if err != nil {
		return row{}, core.WrapError(core.CodePersistence, "cannot encode persistent context", err)
	}
	return row{
		id:              pc.ID(),
		currentState:    pc.CurrentState(),
		lastStateChange: pc.LastStateChange().UnixMilli(),
		complete:        pc.Complete(),
		createdAt:       pc.CreatedAt().UnixMilli(),
		contextJSON:     string(doc),
	}, nil
}

// decodeRow rebuilds a persistent context from a stored row. The JSON
// document carries the full entity; the mutable columns are authoritative
// and overwrite whatever the document says.
func decodeRow(mapping Mapping, r row) (fsm.PersistentContext, error) {
	pc := mapping.New()
	if err := json.Unmarshal([]byte(r.contextJSON), pc); err != nil {
		return nil, core.WrapError(core.CodePersistence,
			fmt.Sprintf("cannot decode persistent context for %s", r.id), err)
	}
	pc.SetCurrentState(r.currentState)
	pc.SetLastStateChange(time.UnixMilli(r.lastStateChange))
	pc.SetComplete(r.complete)
	return pc, nil
}

// dayStart truncates t to midnight UTC. Dated table names and partition
// bounds always use UTC days so restarts in other zones find the same
// tables.
func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func daySuffix(t time.Time) string {
	return dayStart(t).Format("20060102")
}

var datedNamePattern = regexp.MustCompile(`(?:^p|_p?)(\d{8})$`)

// parseTableDate extracts the day from a dated table or partition name
// (name_YYYYMMDD, name_pYYYYMMDD or bare pYYYYMMDD).
func parseTableDate(name string) (time.Time, bool) {
	m := datedNamePattern.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation("20060102", m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}
