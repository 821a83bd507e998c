package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"evermeet/account"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB stores user field mappings in one row per (user_id, field).
type DB struct {
	conn   *sql.DB
	driver string
}

// New opens the database and brings its schema up to date.
// For sqlite dsn is a file path, for postgres a pgx connection string.
func New(driver, dsn string) (*DB, error) {
	var (
		conn *sql.DB
		err  error
	)
	switch driver {
	case DriverSQLite:
		conn, err = sql.Open("sqlite3", dsn+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	case DriverPostgres:
		conn, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// sqlite allows a single writer; one connection avoids SQLITE_BUSY between our own goroutines.
		conn.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn, driver: driver}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) migrate(ctx context.Context) error {
	dialect := goose.DialectSQLite3
	if db.driver == DriverPostgres {
		dialect = goose.DialectPostgres
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, db.conn, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Fetch returns the stored field mapping for id, or account.ErrNotFound.
func (db *DB) Fetch(ctx context.Context, id int64) (account.Fields, error) {
	rows, err := db.conn.QueryContext(ctx,
		db.rebind("SELECT field, value FROM user_fields WHERE user_id = ?"), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := make(account.Fields)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		fields[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(fields) == 0 {
		return nil, account.ErrNotFound
	}
	return fields, nil
}

// Save replaces every stored field of id with fields in one transaction.
func (db *DB) Save(ctx context.Context, id int64, fields account.Fields) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, rbErr)
		}
	}()

	if _, err = tx.ExecContext(ctx, db.rebind("DELETE FROM user_fields WHERE user_id = ?"), id); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx,
		db.rebind("INSERT INTO user_fields (user_id, field, value, updated_at) VALUES (?, ?, ?, ?)"))
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for field, value := range fields {
		if _, err = stmt.ExecContext(ctx, id, field, value, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// rebind turns ? placeholders into $n for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
