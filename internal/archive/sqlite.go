package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chadiek/companion/internal/agent"
)

// SQLiteArchiver keeps transcripts in a local database, one row per turn.
type SQLiteArchiver struct{ db *sql.DB }

func OpenSQLite(path string) (*SQLiteArchiver, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time; also keeps ":memory:" a single database
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteArchiver{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			persona TEXT NOT NULL,
			ended_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS turns (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			at TEXT NOT NULL,
			call_json TEXT,
			failed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(session_id, seq)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("archive: migrate: %w", err)
		}
	}
	return nil
}

func (a *SQLiteArchiver) Save(ctx context.Context, t Transcript) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions(id, persona, ended_at) VALUES(?, ?, ?)`,
		t.SessionID, t.Persona, t.EndedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("archive: insert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, t.SessionID); err != nil {
		return fmt.Errorf("archive: clear turns: %w", err)
	}
	for i, turn := range t.Turns {
		var call sql.NullString
		if turn.Call != nil {
			b, err := json.Marshal(turn.Call)
			if err != nil {
				return err
			}
			call = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO turns(session_id, seq, role, text, at, call_json, failed) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			t.SessionID, i, string(turn.Role), turn.Text, turn.At.UTC().Format(time.RFC3339Nano), call, turn.Failed); err != nil {
			return fmt.Errorf("archive: insert turn %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// Load reads a stored transcript back. It returns sql.ErrNoRows for an
// unknown session.
func (a *SQLiteArchiver) Load(ctx context.Context, sessionID string) (Transcript, error) {
	t := Transcript{SessionID: sessionID}
	var ended string
	if err := a.db.QueryRowContext(ctx, `SELECT persona, ended_at FROM sessions WHERE id = ?`, sessionID).Scan(&t.Persona, &ended); err != nil {
		return Transcript{}, err
	}
	t.EndedAt, _ = time.Parse(time.RFC3339Nano, ended)

	rows, err := a.db.QueryContext(ctx, `SELECT role, text, at, call_json, failed FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return Transcript{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			turn agent.Turn
			role string
			at   string
			call sql.NullString
		)
		if err := rows.Scan(&role, &turn.Text, &at, &call, &turn.Failed); err != nil {
			return Transcript{}, err
		}
		turn.Role = agent.Role(role)
		turn.At, _ = time.Parse(time.RFC3339Nano, at)
		if call.Valid {
			if err := json.Unmarshal([]byte(call.String), &turn.Call); err != nil {
				return Transcript{}, fmt.Errorf("archive: decode call: %w", err)
			}
		}
		t.Turns = append(t.Turns, turn)
	}
	return t, rows.Err()
}

func (a *SQLiteArchiver) Close() error { return a.db.Close() }
