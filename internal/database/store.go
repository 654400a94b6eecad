// Package database is the row store the db syscalls forward to. The core
// treats it as three operations: getItem, getItems, query.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Postgres driver, registered for database/sql.
	_ "github.com/lib/pq"
)

// Row is one result row as a column→value map.
type Row = map[string]interface{}

// ItemQuery narrows a getItems call. Where values are matched with equality.
type ItemQuery struct {
	Where  map[string]interface{}
	Limit  int
	Offset int
}

// RowStore is the backend contract consumed by the syscall handler.
type RowStore interface {
	GetItem(ctx context.Context, table, id string) (Row, error)
	GetItems(ctx context.Context, table string, q ItemQuery) ([]Row, error)
	Query(ctx context.Context, query string, params []interface{}) ([]Row, error)
}

// PostgresStore implements RowStore on database/sql with lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// Open connects with the given DSN and verifies connectivity.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an existing handle (used by tests with sqlmock-style
// fakes and by callers that manage pooling themselves).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for callers that share the pool.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// identPattern guards interpolated identifiers. Tables and columns reaching
// this store already passed the permission guard, but the store revalidates:
// it is the last line before SQL text.
func validIdent(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9', c == '$':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (s *PostgresStore) GetItem(ctx context.Context, table, id string) (Row, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	rows, err := s.Query(ctx, fmt.Sprintf(`SELECT * FROM %q WHERE id = $1 LIMIT 1`, table), []interface{}{id})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (s *PostgresStore) GetItems(ctx context.Context, table string, q ItemQuery) ([]Row, error) {
	if !validIdent(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT * FROM %q`, table)
	var params []interface{}
	if len(q.Where) > 0 {
		var clauses []string
		for col, val := range q.Where {
			if !validIdent(col) {
				return nil, fmt.Errorf("invalid column name %q", col)
			}
			params = append(params, val)
			clauses = append(clauses, fmt.Sprintf(`%q = $%d`, col, len(params)))
		}
		b.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", q.Offset)
	}
	return s.Query(ctx, b.String(), params)
}

// Query runs arbitrary SQL and materializes the result set as maps. Write
// statements return an empty slice.
func (s *PostgresStore) Query(ctx context.Context, query string, params []interface{}) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []Row{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
