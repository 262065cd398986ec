// Package sqlout provides a blocking output inserting every point into a SQL
// table. SQLite (mattn/go-sqlite3) and PostgreSQL (pgx) are supported.
package sqlout

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/pulse/internal/codec"
	"github.com/basekick-labs/pulse/pkg/measurement"
	"github.com/basekick-labs/pulse/pkg/pipeline"
	"github.com/basekick-labs/pulse/pkg/plugin"
)

const (
	Name    = "sqlout"
	Version = "0.1.0"

	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	// rows per INSERT statement, keeps sqlite under its bound variable limit
	maxRowsPerStatement = 500
)

var columns = []string{
	"ts", "metric", "unit", "value_type", "value",
	"resource_kind", "resource_id", "consumer_kind", "consumer_id", "attributes",
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	Driver       string        `config:"driver"`
	DSN          string        `config:"dsn"`
	Table        string        `config:"table"`
	CreateTable  bool          `config:"create_table"`
	WriteTimeout time.Duration `config:"write_timeout"`
}

func defaultConfig() Config {
	return Config{
		Driver:       DriverSQLite,
		DSN:          "./data/pulse.db",
		Table:        "measurements",
		CreateTable:  true,
		WriteTimeout: 10 * time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported driver %q (use %s or %s)", c.Driver, DriverSQLite, DriverPostgres)
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if !tableNamePattern.MatchString(c.Table) {
		return fmt.Errorf("invalid table name %q", c.Table)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive")
	}
	return nil
}

// Opener opens the database. Tests replace it with sqlmock.
type Opener func(driver, dsn string) (*sql.DB, error)

// Metadata announces the plugin to the host
func Metadata() plugin.Metadata {
	return MetadataWithOpener(sql.Open)
}

// MetadataWithOpener is Metadata with a custom database opener
func MetadataWithOpener(open Opener) plugin.Metadata {
	return plugin.Metadata{
		Name:    Name,
		Version: Version,
		DefaultConfig: func() (plugin.ConfigTable, error) {
			return plugin.EncodeConfig(defaultConfig())
		},
		Init: func(table plugin.ConfigTable) (plugin.Plugin, error) {
			var cfg Config
			if err := plugin.DecodeConfig(table, &cfg); err != nil {
				return nil, err
			}
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return &Plugin{
				Base:   plugin.Base{PluginName: Name, PluginVersion: Version},
				config: cfg,
				open:   open,
			}, nil
		},
	}
}

type Plugin struct {
	plugin.Base
	config Config
	open   Opener
	db     *sql.DB
}

func (p *Plugin) Start(ctx *plugin.StartContext) error {
	dsn := p.config.DSN
	if p.config.Driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := p.open(p.config.Driver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if p.config.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	w := NewWriter(db, p.config.Driver, p.config.Table, p.config.WriteTimeout, ctx.Logger())
	if p.config.CreateTable {
		if err := w.CreateTable(context.Background()); err != nil {
			db.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	if err := ctx.AddBlockingOutput("insert", w); err != nil {
		db.Close()
		return err
	}
	p.db = db
	return nil
}

func (p *Plugin) Stop() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Writer inserts batches into one table and implements pipeline.Output
type Writer struct {
	db      *sql.DB
	driver  string
	table   string
	timeout time.Duration
	logger  zerolog.Logger

	rows atomic.Int64
}

func NewWriter(db *sql.DB, driver, table string, timeout time.Duration, logger zerolog.Logger) *Writer {
	return &Writer{
		db:      db,
		driver:  driver,
		table:   table,
		timeout: timeout,
		logger:  logger.With().Str("table", table).Logger(),
	}
}

// CreateTable creates the table if it does not exist
func (w *Writer) CreateTable(ctx context.Context) error {
	tsType, valueType := "INTEGER", "REAL"
	if w.driver == DriverPostgres {
		tsType, valueType = "BIGINT", "DOUBLE PRECISION"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		ts %s NOT NULL,
		metric TEXT NOT NULL,
		unit TEXT NOT NULL,
		value_type TEXT NOT NULL,
		value %s NOT NULL,
		resource_kind TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		consumer_kind TEXT NOT NULL,
		consumer_id TEXT NOT NULL,
		attributes TEXT
	)`, w.table, tsType, valueType)

	if _, err := w.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	w.logger.Debug().Msg("Table ready")
	return nil
}

// Rows returns the number of rows inserted so far
func (w *Writer) Rows() int64 { return w.rows.Load() }

func (w *Writer) Write(view measurement.View, ctx *pipeline.OutputContext) error {
	records, err := codec.FromView(view, ctx.Metrics)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	dbctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	tx, err := w.db.BeginTx(dbctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for start := 0; start < len(records); start += maxRowsPerStatement {
		end := min(start+maxRowsPerStatement, len(records))
		query, args, err := w.insert(records[start:end])
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(dbctx, query, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert into %s: %w", w.table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.rows.Add(int64(len(records)))
	return nil
}

// insert builds one multi-row INSERT for records
func (w *Writer) insert(records []codec.Record) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(w.table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(records)*len(columns))
	for i, r := range records {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(",")
			}
			b.WriteString(w.placeholder(len(args) + j + 1))
		}
		b.WriteString(")")

		attrs, err := attributesJSON(r.Attributes)
		if err != nil {
			return "", nil, fmt.Errorf("marshal attributes of %s: %w", r.Metric, err)
		}
		value, err := r.Value()
		if err != nil {
			return "", nil, err
		}
		args = append(args,
			r.Timestamp,
			r.Metric,
			r.Unit,
			r.Type.String(),
			value.Float(),
			string(r.Resource.Kind),
			r.Resource.ID,
			string(r.Consumer.Kind),
			r.Consumer.ID,
			attrs,
		)
	}
	return b.String(), args, nil
}

func (w *Writer) placeholder(n int) string {
	if w.driver == DriverPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// attributesJSON renders attributes as a JSON object, nil when there are none
func attributesJSON(attrs []codec.Attr) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	m := make(map[string]any, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
