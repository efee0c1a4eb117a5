// Package db opens the optional sqlite/libsql database that keeps the grade
// snapshot and the history of runs.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

func isRemote(location string) bool {
	for _, scheme := range []string{"libsql://", "http://", "https://", "wss://", "ws://"} {
		if strings.HasPrefix(location, scheme) {
			return true
		}
	}
	return false
}

func wrapOpen(err error) error {
	return fmt.Errorf("open db: %w", err)
}

// Open opens `location` and applies Schema. A libsql/http url is opened with
// the libsql client, anything else is treated as a local sqlite file
// (":memory:" included).
func Open(ctx context.Context, location string) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	if isRemote(location) {
		db, err = sql.Open("libsql", location)
		if err != nil {
			return nil, wrapOpen(err)
		}
	} else {
		if location != ":memory:" {
			err = os.MkdirAll(filepath.Dir(location), 0777)
			if err != nil {
				return nil, wrapOpen(err)
			}
		}
		db, err = sql.Open("sqlite", location)
		if err != nil {
			return nil, wrapOpen(err)
		}

		// sqlite only allows a single writer, and every connection to
		// ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
		if location != ":memory:" {
			_, err = db.ExecContext(ctx, "PRAGMA journal_mode=WAL")
			if err != nil {
				db.Close()
				return nil, wrapOpen(err)
			}
		}
	}

	_, err = db.ExecContext(ctx, Schema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// MakeTx is a function that creates a db transaction.
type MakeTx = func(ctx context.Context) (tx *sql.Tx, discard, commit func() error, err error)

func NewMakeTx(db *sql.DB) MakeTx {
	return func(ctx context.Context) (*sql.Tx, func() error, func() error, error) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		return tx, tx.Rollback, tx.Commit, nil
	}
}
