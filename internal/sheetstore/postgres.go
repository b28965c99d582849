package sheetstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	defaultRowsTable = "partsync_sheet_rows"
	pgTimeout        = 5 * time.Second
)

// PostgresSheetBackend stores one table row per sheet row. The serial
// position column keeps sheet order: an upsert updates in place and a move
// between sheets lands at the end of the target, as it does in the sheet.
type PostgresSheetBackend struct {
	dsn   string
	table string
	open  func(driverName, dsn string) (*sql.DB, error)

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresSheetBackend(dsn string) (*PostgresSheetBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresSheetBackend{dsn: dsn, table: defaultRowsTable, open: sql.Open}, nil
}

// Load rebuilds every sheet in position order. An empty table loads as nil.
func (b *PostgresSheetBackend) Load() (*snapshot, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), pgTimeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT sheet, row_data FROM %s ORDER BY position`, quoteIdent(b.table)))
	if err != nil {
		return nil, fmt.Errorf("load sheet rows: %w", err)
	}
	defer rows.Close()

	sheets := map[string][]Row{}
	for rows.Next() {
		var sheet string
		var raw []byte
		if err := rows.Scan(&sheet, &raw); err != nil {
			return nil, err
		}
		var row Row
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("decode row in %s: %w", sheet, err)
		}
		sheets[sheet] = append(sheets[sheet], row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sheets) == 0 {
		return nil, nil
	}
	return &snapshot{Sheets: sheets}, nil
}

// Commit replays the row edits of one write in a single transaction.
func (b *PostgresSheetBackend) Commit(_ *snapshot, changes []rowChange) error {
	if len(changes) == 0 {
		return nil
	}
	db, err := b.conn()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), pgTimeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	table := quoteIdent(b.table)
	for _, c := range changes {
		switch c.Kind {
		case changeRemove:
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE sheet = $1 AND row_id = $2`, table), c.Sheet, c.ID); err != nil {
				return fmt.Errorf("remove %s from %s: %w", c.ID, c.Sheet, err)
			}
		case changeUpsert:
			data, err := json.Marshal(c.Row)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET row_data = $3::jsonb, updated_at = NOW() WHERE sheet = $1 AND row_id = $2`, table), c.Sheet, c.ID, string(data))
			if err != nil {
				return fmt.Errorf("update %s in %s: %w", c.ID, c.Sheet, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				continue
			}
			if err := insertRow(ctx, tx, table, c.Sheet, c.ID, data); err != nil {
				return err
			}
		case changeAppend:
			data, err := json.Marshal(c.Row)
			if err != nil {
				return err
			}
			if err := insertRow(ctx, tx, table, c.Sheet, c.ID, data); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: row change kind %d", ErrInvalidInput, c.Kind)
		}
	}
	return tx.Commit()
}

func insertRow(ctx context.Context, tx *sql.Tx, table, sheet, id string, data []byte) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (sheet, row_id, row_data) VALUES ($1, $2, $3::jsonb)`, table), sheet, id, string(data))
	if err != nil {
		return fmt.Errorf("insert %s into %s: %w", id, sheet, err)
	}
	return nil
}

func (b *PostgresSheetBackend) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// conn opens the pool and creates the rows table on first use. A failed
// attempt is retried on the next call.
func (b *PostgresSheetBackend) conn() (*sql.DB, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db != nil {
		return b.db, nil
	}
	db, err := b.open("postgres", b.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), pgTimeout)
	defer cancel()
	table := quoteIdent(b.table)
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			position BIGSERIAL PRIMARY KEY,
			sheet TEXT NOT NULL,
			row_id TEXT NOT NULL,
			row_data JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (sheet, row_id)`, quoteIdent(b.table+"_sheet_row_id"), table),
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare sheet rows table: %w", err)
		}
	}
	b.db = db
	return db, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(name), `"`, `""`) + `"`
}
