// Package postgres persists detail records in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
)

// DefaultTable receives records when Config.Table is empty.
const DefaultTable = "registrants"

// Page sizes accepted by Search.
const (
	DefaultPerPage = 10
	MaxPerPage     = 100
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool used for record rows.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

type dbPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RecordStore upserts one row per identifier. A later fetch of the same
// identifier replaces the earlier row.
type RecordStore struct {
	pool  dbPool
	table string
}

// NewRecordStore connects to Postgres using cfg.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &RecordStore{pool: pool, table: table}
	if cfg.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewRecordStoreWithPool wraps an existing pool.
func NewRecordStoreWithPool(pool dbPool, table string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &RecordStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the record table when it does not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	identifier            TEXT PRIMARY KEY,
	url                   TEXT NOT NULL,
	name                  TEXT NOT NULL DEFAULT '',
	registration_number   TEXT NOT NULL DEFAULT '',
	registration_date     TEXT NOT NULL DEFAULT '',
	registered_on         DATE,
	name_used_in_practice TEXT NOT NULL DEFAULT '',
	registrant_type       TEXT NOT NULL DEFAULT '',
	languages_of_care     TEXT NOT NULL DEFAULT '',
	registration_status   TEXT NOT NULL DEFAULT '',
	areas_of_practice     TEXT NOT NULL DEFAULT '',
	sections              JSONB NOT NULL DEFAULT '{}',
	content_hash          TEXT NOT NULL DEFAULT '',
	snapshot_uri          TEXT NOT NULL DEFAULT '',
	fetched_at            TIMESTAMPTZ NOT NULL,
	error                 TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure %s schema: %w", s.table, err)
	}
	return nil
}

// Submit upserts record keyed by its identifier.
func (s *RecordStore) Submit(ctx context.Context, record crawler.DetailRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if record.Identifier == "" {
		return fmt.Errorf("record identifier is required")
	}
	sections, err := marshalSections(record.Sections)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	identifier,
	url,
	name,
	registration_number,
	registration_date,
	registered_on,
	name_used_in_practice,
	registrant_type,
	languages_of_care,
	registration_status,
	areas_of_practice,
	sections,
	content_hash,
	snapshot_uri,
	fetched_at,
	error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (identifier) DO UPDATE SET
	url = EXCLUDED.url,
	name = EXCLUDED.name,
	registration_number = EXCLUDED.registration_number,
	registration_date = EXCLUDED.registration_date,
	registered_on = EXCLUDED.registered_on,
	name_used_in_practice = EXCLUDED.name_used_in_practice,
	registrant_type = EXCLUDED.registrant_type,
	languages_of_care = EXCLUDED.languages_of_care,
	registration_status = EXCLUDED.registration_status,
	areas_of_practice = EXCLUDED.areas_of_practice,
	sections = EXCLUDED.sections,
	content_hash = EXCLUDED.content_hash,
	snapshot_uri = EXCLUDED.snapshot_uri,
	fetched_at = EXCLUDED.fetched_at,
	error = EXCLUDED.error`, s.table)

	args := []any{
		string(record.Identifier),
		record.URL,
		record.Name,
		record.RegistrationNumber,
		record.RegistrationDate,
		record.RegisteredOn,
		record.NameUsedInPractice,
		record.RegistrantType,
		record.LanguagesOfCare,
		record.RegistrationStatus,
		record.AreasOfPractice,
		sections,
		record.ContentHash,
		record.SnapshotURI,
		record.FetchedAt,
		record.Error,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert record %s: %w", record.Identifier, err)
	}
	return nil
}

func marshalSections(sections map[crawler.SectionKey][]map[string]string) ([]byte, error) {
	if len(sections) == 0 {
		return []byte(`{}`), nil
	}
	out, err := json.Marshal(sections)
	if err != nil {
		return nil, fmt.Errorf("marshal sections: %w", err)
	}
	return out, nil
}

// SearchResult is one page of stored records matching a query.
type SearchResult struct {
	Count    int
	NumPages int
	Page     int
	Records  []crawler.DetailRecord
}

const recordColumns = `identifier, url, name, registration_number, registration_date, registered_on,
	name_used_in_practice, registrant_type, languages_of_care, registration_status,
	areas_of_practice, sections, content_hash, snapshot_uri, fetched_at, error`

const searchFilter = `name ILIKE $1 OR identifier ILIKE $1 OR registration_number ILIKE $1`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search returns one page of records whose name, identifier or registration
// number contains query, ignoring case. An empty query matches every record.
// page is 1-based; out of range pages are clamped, so an empty table still has
// one empty page.
func (s *RecordStore) Search(ctx context.Context, query string, page, perPage int) (SearchResult, error) {
	if s == nil || s.pool == nil {
		return SearchResult{}, fmt.Errorf("record store is not configured")
	}
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	pattern := "%" + likeEscaper.Replace(strings.TrimSpace(query)) + "%"

	var count int64
	countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, s.table, searchFilter)
	if err := s.pool.QueryRow(ctx, countSQL, pattern).Scan(&count); err != nil {
		return SearchResult{}, fmt.Errorf("count records: %w", err)
	}

	result := SearchResult{Count: int(count), NumPages: 1}
	if result.Count > 0 {
		result.NumPages = (result.Count + perPage - 1) / perPage
	}
	result.Page = min(max(page, 1), result.NumPages)
	result.Records = []crawler.DetailRecord{}
	if result.Count == 0 {
		return result, nil
	}

	listSQL := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY identifier LIMIT $2 OFFSET $3`,
		recordColumns, s.table, searchFilter)
	rows, err := s.pool.Query(ctx, listSQL, pattern, perPage, (result.Page-1)*perPage)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return SearchResult{}, err
		}
		result.Records = append(result.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return SearchResult{}, fmt.Errorf("search records: %w", err)
	}
	return result, nil
}

func scanRecord(rows pgx.Rows) (crawler.DetailRecord, error) {
	var (
		rec      crawler.DetailRecord
		id       string
		sections []byte
	)
	err := rows.Scan(
		&id,
		&rec.URL,
		&rec.Name,
		&rec.RegistrationNumber,
		&rec.RegistrationDate,
		&rec.RegisteredOn,
		&rec.NameUsedInPractice,
		&rec.RegistrantType,
		&rec.LanguagesOfCare,
		&rec.RegistrationStatus,
		&rec.AreasOfPractice,
		&sections,
		&rec.ContentHash,
		&rec.SnapshotURI,
		&rec.FetchedAt,
		&rec.Error,
	)
	if err != nil {
		return rec, fmt.Errorf("scan record row: %w", err)
	}
	rec.Identifier = crawler.Identifier(id)
	if len(sections) > 0 && string(sections) != "{}" {
		if err := json.Unmarshal(sections, &rec.Sections); err != nil {
			return rec, fmt.Errorf("decode sections of %s: %w", id, err)
		}
	}
	return rec, nil
}
