// Package database is the MySQL implementation of the gateway store.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/nikhil/eaven-sync/internal/apperr"
	"github.com/nikhil/eaven-sync/internal/logger"
)

// errDuplicateEntry is ER_DUP_ENTRY.
const errDuplicateEntry = 1062

// Open connects to MySQL and checks that the connection is alive.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection is not active: %w", err)
	}
	return db, nil
}

// Store implements backend.Store and backend.UserStore on MySQL.
type Store struct {
	DB  *sql.DB
	Log *logger.Logger
}

func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{DB: db, Log: log}
}

// Migrate creates the tables that do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.Log.Info("Database schema is up to date", "tables", len(schema))
	return nil
}

// classify maps driver errors onto apperr kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return apperr.NotFound(op, "not found")
	case errors.As(err, &me) && me.Number == errDuplicateEntry:
		return apperr.Conflict(op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperr.Transient(op, err)
	}
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

type scanner interface {
	Scan(dest ...any) error
}
