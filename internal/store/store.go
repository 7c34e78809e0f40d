// Package store is the typed record store for requests and artifacts, backed
// by SQLite via database/sql.
//
// All version computation runs inside immediate (write-locked) transactions
// started through WithTx, so two concurrent creations against the same
// lineage cannot both observe the same max version. The connection pool is
// capped at one writer, matching the one-request-per-worker processing model.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/backlogd/internal/logging"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConstraint indicates a persistence constraint violation.
	ErrConstraint = errors.New("constraint violation")
)

// Store wraps the SQLite handle with typed accessors.
type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// Open opens (creating if needed) the SQLite database at path and applies the
// schema. The _txlock=immediate DSN option makes every transaction take the
// write lock up front, serializing read-compute-write sequences.
func Open(path string, log *logging.Logger) (*Store, error) {
	if log == nil {
		log = logging.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, log: log.Named("store")}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single immediate transaction, committing on nil and
// rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Error(ctx, "rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", wrapConstraint(err))
	}
	return nil
}

// wrapConstraint maps SQLite constraint failures onto ErrConstraint so
// callers can classify them without importing the driver.
func wrapConstraint(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "constraint") {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return err
}
