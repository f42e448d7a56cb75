package sa

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DBSettings bounds the connection pool. Zero values mean no limit, matching
// database/sql.
type DBSettings struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewDbMap opens a MySQL connection pool from a DSN and verifies it is
// reachable.
func NewDbMap(dsn string, settings DBSettings) (*sql.DB, error) {
	conf, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	// Timestamps round-trip as time.Time and are always stored in UTC.
	conf.ParseTime = true
	conf.Loc = time.UTC

	db, err := sql.Open("mysql", conf.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(settings.MaxOpenConns)
	db.SetMaxIdleConns(settings.MaxIdleConns)
	db.SetConnMaxLifetime(settings.ConnMaxLifetime)
	db.SetConnMaxIdleTime(settings.ConnMaxIdleTime)

	err = db.Ping()
	if err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// isDuplicateErr reports whether err is a MySQL duplicate-entry error, i.e.
// a unique index rejected the write.
func isDuplicateErr(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
