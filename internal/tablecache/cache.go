// Package tablecache keeps the last successfully fetched copy of data tables
// and other scraped documents, so that commands keep working offline.
package tablecache

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"time"

	"lmsfetch/internal/components/assert"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/scrapers/lms"
	"lmsfetch/pkg/migrations"

	"github.com/PuerkitoBio/purell"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

//go:embed schema.sql
var schema string

const schemaVersion = 1

const (
	report_tablecache_offline = "tablecache.offline"
	report_tablecache_store   = "tablecache.store"
	report_tablecache_breaker = "tablecache.breaker"
)

var tracer = otel.Tracer("lmsfetch/tablecache")

// ErrNotCached is returned when nothing has been stored under a key.
var ErrNotCached = errors.New("not cached")

// Table is a stored data table.
type Table struct {
	Url       string
	Keys      lms.Keys
	Rows      []lms.Row
	FetchedAt time.Time
}

type Cache struct {
	db      *sql.DB
	baseUrl *url.URL
	tel     telemetry.API
	now     func() time.Time
}

// Open opens (and creates) the cache database at path, relative urls are
// resolved against baseUrl before they are used as keys.
func Open(path, baseUrl string, tel telemetry.API) (*Cache, error) {
	assert.NotNil(tel)

	base, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	db, err := migrations.OpenAndMigrateDB(schema, schemaVersion, path)
	if err != nil {
		return nil, err
	}
	return &Cache{
		db:      db,
		baseUrl: base,
		tel:     telemetry.NewScopedAPI("tablecache", tel),
		now:     time.Now,
	}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// Key is the normalized absolute form of an url, so that the same page
// requested with differently ordered query parameters shares an entry.
func (c *Cache) Key(endpoint string) (string, error) {
	full, err := c.baseUrl.Parse(endpoint)
	if err != nil {
		return "", err
	}
	return purell.NormalizeURL(
		full,
		purell.FlagsSafe|
			purell.FlagsUsuallySafeNonGreedy|
			purell.FlagRemoveDirectoryIndex|
			purell.FlagRemoveFragment|
			purell.FlagSortQuery,
	), nil
}

func (c *Cache) PutTable(ctx context.Context, endpoint string, keys lms.Keys, rows []lms.Row) error {
	ctx, span := tracer.Start(ctx, "PutTable")
	defer span.End()

	key, err := c.Key(endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create cache key")
		return err
	}
	span.SetAttributes(attribute.String("cache_key", key))

	encodedKeys, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	encodedRows, err := json.Marshal(rows)
	if err != nil {
		return err
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO data_table (key, url, keys, rows, fetched_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			url = excluded.url,
			keys = excluded.keys,
			rows = excluded.rows,
			fetched_at = excluded.fetched_at`,
		key, endpoint, string(encodedKeys), string(encodedRows), c.now().Unix(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store table")
		return fmt.Errorf("store table %s: %w", key, err)
	}
	c.tel.ReportDebug(report_tablecache_store, key, len(rows))
	return nil
}

// GetTable returns the stored table, cells come back as decoded json values.
func (c *Cache) GetTable(ctx context.Context, endpoint string) (Table, error) {
	ctx, span := tracer.Start(ctx, "GetTable")
	defer span.End()

	key, err := c.Key(endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create cache key")
		return Table{}, err
	}
	span.SetAttributes(attribute.String("cache_key", key))

	var (
		table       Table
		encodedKeys string
		encodedRows string
		fetchedAt   int64
	)
	err = c.db.QueryRowContext(ctx,
		"SELECT url, keys, rows, fetched_at FROM data_table WHERE key = ?", key,
	).Scan(&table.Url, &encodedKeys, &encodedRows, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Table{}, fmt.Errorf("%s: %w", key, ErrNotCached)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read table")
		return Table{}, err
	}

	err = json.Unmarshal([]byte(encodedKeys), &table.Keys)
	if err != nil {
		return Table{}, fmt.Errorf("decode cached keys: %w", err)
	}
	err = json.Unmarshal([]byte(encodedRows), &table.Rows)
	if err != nil {
		return Table{}, fmt.Errorf("decode cached rows: %w", err)
	}
	table.FetchedAt = time.Unix(fetchedAt, 0)
	return table, nil
}

// Put stores any json encodable value.
func (c *Cache) Put(ctx context.Context, endpoint string, v any) error {
	key, err := c.Key(endpoint)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO document (key, value, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, fetched_at = excluded.fetched_at`,
		key, string(encoded), c.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	c.tel.ReportDebug(report_tablecache_store, key, len(encoded))
	return nil
}

// Get decodes the value stored by Put into v and returns when it was stored.
func (c *Cache) Get(ctx context.Context, endpoint string, v any) (time.Time, error) {
	key, err := c.Key(endpoint)
	if err != nil {
		return time.Time{}, err
	}
	var (
		encoded   string
		fetchedAt int64
	)
	err = c.db.QueryRowContext(ctx,
		"SELECT value, fetched_at FROM document WHERE key = ?", key,
	).Scan(&encoded, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%s: %w", key, ErrNotCached)
	}
	if err != nil {
		return time.Time{}, err
	}
	err = json.Unmarshal([]byte(encoded), v)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return time.Unix(fetchedAt, 0), nil
}
