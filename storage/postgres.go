package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver

	"idem/pkg/sentinel"
)

// Postgres persists collections in a single documents table:
//
//	CREATE TABLE idem_records (
//	    collection TEXT  NOT NULL,
//	    key        TEXT  NOT NULL,
//	    doc        JSONB NOT NULL,
//	    PRIMARY KEY (collection, key)
//	);
//
// The table is prefixed so the store can live inside a host application's
// database without name collisions.
type Postgres struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed store over an existing pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open dials PostgreSQL via the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the documents table if it does not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idem_records (
			collection TEXT  NOT NULL,
			key        TEXT  NOT NULL,
			doc        JSONB NOT NULL,
			PRIMARY KEY (collection, key)
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate records table: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, collection, key string) (json.RawMessage, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM idem_records WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return doc, nil
}

func (s *Postgres) Put(ctx context.Context, collection, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idem_records (collection, key, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, key) DO UPDATE SET
			doc = EXCLUDED.doc
	`, collection, key, []byte(value))
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, collection, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idem_records WHERE collection = $1 AND key = $2`,
		collection, key,
	)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *Postgres) Find(ctx context.Context, collection string, filter Filter) ([]Record, error) {
	// Each filter field becomes a jsonb equality on the document, matching
	// the in-memory semantics exactly (containment would differ on arrays).
	query := `SELECT key, doc FROM idem_records WHERE collection = $1`
	args := []any{collection}

	names := make([]string, 0, len(filter))
	for name := range filter {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		valueJSON, err := json.Marshal(filter[name])
		if err != nil {
			return nil, fmt.Errorf("encode filter value %q: %w", name, err)
		}
		query += fmt.Sprintf(" AND doc->$%d = $%d::jsonb", len(args)+1, len(args)+2)
		args = append(args, name, string(valueJSON))
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var doc []byte
		if err := rows.Scan(&rec.Key, &doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Value = doc
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}
