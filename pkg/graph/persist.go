package graph

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const dbFile = "graph.db"

type persister interface {
	load() (Nodes, error)
	save(Nodes) error
	close() error
}

// sqlitePersister writes every accepted field through to a single SQLite
// file in the storage dir.
type sqlitePersister struct {
	db *sql.DB
}

func openSQLite(dir string) (*sqlitePersister, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dsn := "file:" + filepath.Join(dir, dbFile) + "?_pragma=busy_timeout=5000&_pragma=journal_mode=WAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS fields(
		soul  TEXT NOT NULL,
		field TEXT NOT NULL,
		value BLOB NOT NULL,
		state INTEGER NOT NULL,
		PRIMARY KEY (soul, field)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &sqlitePersister{db: db}, nil
}

func (p *sqlitePersister) load() (Nodes, error) {
	rows, err := p.db.Query(`SELECT soul, field, value, state FROM fields`)
	if err != nil {
		return nil, fmt.Errorf("load fields: %w", err)
	}
	defer rows.Close()

	out := make(Nodes)
	for rows.Next() {
		var (
			soul, name string
			value      []byte
			state      int64
		)
		if err := rows.Scan(&soul, &name, &value, &state); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		if out[soul] == nil {
			out[soul] = make(Node)
		}
		out[soul][name] = Field{Value: value, State: state}
	}
	return out, rows.Err()
}

func (p *sqlitePersister) save(nodes Nodes) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO fields(soul, field, value, state) VALUES(?,?,?,?)
		ON CONFLICT(soul, field) DO UPDATE SET value = excluded.value, state = excluded.state`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for soul, n := range nodes {
		for name, f := range n {
			if _, err := stmt.ExecContext(ctx, soul, name, []byte(f.Value), f.State); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("upsert %s.%s: %w", soul, name, err)
			}
		}
	}
	return tx.Commit()
}

func (p *sqlitePersister) close() error {
	return p.db.Close()
}
