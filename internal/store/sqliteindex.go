package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"gridbot/internal/core"
)

// SQLiteIndex mirrors a (bot_id, strategy, symbol, status, updated_at) row
// per bot, readable through List. The bot manager's listing does not read
// it; it answers from its in-memory registry. It is additive bookkeeping: the FileStore snapshot remains the sole
// source of truth (spec.md §6); losing or rebuilding this index never
// loses data.
//
// Grounded on internal/engine/simple/store_sqlite.go's WAL-mode,
// INSERT-OR-REPLACE usage of database/sql + mattn/go-sqlite3.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (creating if needed) the index database at dbPath.
func NewSQLiteIndex(dbPath string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping index database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS bot_index (
		bot_id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		symbol TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create bot_index table: %w", err)
	}

	return &SQLiteIndex{db: db}, nil
}

// Upsert writes or replaces bot_id's index row.
func (s *SQLiteIndex) Upsert(ctx context.Context, botID string, strategy core.StrategyKind, symbol string, status core.Status, updatedAt int64) error {
	query := `INSERT OR REPLACE INTO bot_index (bot_id, strategy, symbol, status, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, botID, string(strategy), symbol, string(status), updatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert bot index row: %w", err)
	}
	return nil
}

// Remove deletes bot_id's index row.
func (s *SQLiteIndex) Remove(ctx context.Context, botID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bot_index WHERE bot_id = ?`, botID)
	if err != nil {
		return fmt.Errorf("failed to delete bot index row: %w", err)
	}
	return nil
}

// IndexRow is one row of the bot index.
type IndexRow struct {
	BotID     string
	Strategy  string
	Symbol    string
	Status    string
	UpdatedAt int64
}

// List returns every indexed bot, most recently updated first.
func (s *SQLiteIndex) List(ctx context.Context) ([]IndexRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bot_id, strategy, symbol, status, updated_at FROM bot_index ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bot index: %w", err)
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var r IndexRow
		if err := rows.Scan(&r.BotID, &r.Strategy, &r.Symbol, &r.Status, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bot index row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Rebuild clears the index and repopulates it from the file store. Startup
// does not call it; an index that has drifted stays so until Rebuild runs.
func (s *SQLiteIndex) Rebuild(ctx context.Context, fs *FileStore) error {
	ids, err := fs.List(ctx)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin index rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bot_index`); err != nil {
		return fmt.Errorf("failed to clear bot index: %w", err)
	}

	for _, id := range ids {
		state, ok, err := fs.Load(ctx, id)
		if err != nil || !ok {
			continue
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO bot_index (bot_id, strategy, symbol, status, updated_at) VALUES (?, ?, ?, ?, ?)`,
			id, string(state.Strategy), state.Symbol, string(state.Status), timeToMillis(state))
		if err != nil {
			return fmt.Errorf("failed to index bot %s: %w", id, err)
		}
	}

	return tx.Commit()
}

func timeToMillis(state core.BotState) int64 {
	if state.TimeStarted != nil {
		return state.TimeStarted.UnixMilli()
	}
	return state.TimeCreated.UnixMilli()
}

// Close releases the underlying database handle.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
