package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/medrelay/internal/metrics"
)

// ErrNotFound is returned when no patient matches the identifier.
var ErrNotFound = errors.New("patient not found")

// Patient is a single row from the patient table keyed by column name.
type Patient map[string]any

type PatientStore struct {
	db    *sql.DB
	query string
}

// NewPatientStore returns a store reading from table, matching rows on idColumn.
// table and idColumn must already be validated identifiers.
func NewPatientStore(db *sql.DB, driver, table, idColumn string) *PatientStore {
	q := fmt.Sprintf("SELECT * FROM %s WHERE %s = %s",
		quoteIdent(driver, table),
		quoteIdent(driver, idColumn),
		placeholder(driver),
	)
	return &PatientStore{db: db, query: q}
}

// Get returns the patient with the given identifier. The identifier is
// always passed as a query parameter.
func (s *PatientStore) Get(ctx context.Context, id string) (Patient, error) {
	p, err := s.get(ctx, id)
	switch {
	case err == nil:
		metrics.IncLookup("found")
	case errors.Is(err, ErrNotFound):
		metrics.IncLookup("not_found")
	default:
		metrics.IncLookup("error")
	}
	return p, err
}

func (s *PatientStore) get(ctx context.Context, id string) (Patient, error) {
	rows, err := s.db.QueryContext(ctx, s.query, id)
	if err != nil {
		return nil, fmt.Errorf("query patient: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate rows: %w", err)
		}
		return nil, ErrNotFound
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scan patient: %w", err)
	}

	p := make(Patient, len(cols))
	for i, col := range cols {
		// drivers hand back text columns as []byte, which would encode as base64
		if b, ok := values[i].([]byte); ok {
			p[col] = string(b)
			continue
		}
		p[col] = values[i]
	}
	return p, nil
}

// Ping verifies the database connection.
func (s *PatientStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func quoteIdent(driver, name string) string {
	if driver == "mysql" {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}

func placeholder(driver string) string {
	if driver == "postgres" {
		return "$1"
	}
	return "?"
}
