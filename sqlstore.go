package main

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"rircc/resolver"
)

type sqlDialect struct {
	driverName  string
	placeholder func(n int) string
}

var sqlDrivers = map[string]sqlDialect{
	"pgx": {
		driverName:  "pgx",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	},
	"sqlite": {
		driverName:  "sqlite",
		placeholder: func(int) string { return "?" },
	},
}

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// SQLRangeFetcher reads allocation rows from an ip_start/ip_count/country_code
// table with a LIKE prefix query.
type SQLRangeFetcher struct {
	db      *sql.DB
	table   string
	dialect sqlDialect
}

func OpenSQLRangeFetcher(conf *Config) (*SQLRangeFetcher, error) {
	dialect, ok := sqlDrivers[conf.Source.Driver]
	if !ok {
		return nil, errors.Errorf("unknown sql driver %q", conf.Source.Driver)
	}
	db, err := sql.Open(dialect.driverName, conf.Source.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "unable to connect to database")
	}
	logrus.Debugf("connected to %s database", conf.Source.Driver)

	return NewSQLRangeFetcher(db, conf.Source.Driver, conf.Source.Table)
}

func NewSQLRangeFetcher(db *sql.DB, driver string, table string) (*SQLRangeFetcher, error) {
	dialect, ok := sqlDrivers[driver]
	if !ok {
		return nil, errors.Errorf("unknown sql driver %q", driver)
	}
	if !validTableName.MatchString(table) {
		return nil, errors.Errorf("invalid table name %q", table)
	}
	return &SQLRangeFetcher{db: db, table: table, dialect: dialect}, nil
}

// DB returns the underlying connection pool so other tables in the same
// database can share it.
func (f *SQLRangeFetcher) DB() *sql.DB {
	return f.db
}

func (f *SQLRangeFetcher) Close() error {
	return f.db.Close()
}

// CreateSchema creates the allocation table if it is missing.
func (f *SQLRangeFetcher) CreateSchema(ctx context.Context) error {
	_, err := f.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    ip_start       VARCHAR(15) NOT NULL PRIMARY KEY,
    ip_count       INTEGER NOT NULL,
    country_code   VARCHAR(2) NOT NULL,
    allocated_date VARCHAR(8),
    registry_id    VARCHAR(16)
)`, f.table))
	return errors.Wrapf(err, "unable to create table %s", f.table)
}

// InsertRecords stores records in one transaction.
func (f *SQLRangeFetcher) InsertRecords(ctx context.Context, records []RIRRecord) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "unable to begin transaction")
	}
	p := f.dialect.placeholder
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (ip_start, ip_count, country_code, allocated_date, registry_id) VALUES (%s, %s, %s, %s, %s)",
		f.table, p(1), p(2), p(3), p(4), p(5)))
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "unable to prepare insert")
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.Start, rec.Count, rec.CountryCode, rec.Date, rec.Registry); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "unable to insert %s", rec.Start)
		}
	}

	return errors.Wrap(tx.Commit(), "unable to commit")
}

func (f *SQLRangeFetcher) FetchRangesByPrefix(ctx context.Context, prefix string) ([]resolver.RangeRow, error) {
	query := fmt.Sprintf("SELECT ip_start, ip_count, country_code FROM %s WHERE ip_start LIKE %s",
		f.table, f.dialect.placeholder(1))
	rows, err := f.db.QueryContext(ctx, query, stripLikeWildcards(prefix)+"%")
	if err != nil {
		return nil, errors.Wrapf(err, "unable to query ranges for %q", prefix)
	}
	defer rows.Close()

	out := make([]resolver.RangeRow, 0)
	for rows.Next() {
		var row resolver.RangeRow
		if err := rows.Scan(&row.Start, &row.Count, &row.Label); err != nil {
			return nil, errors.Wrap(err, "unable to scan range row")
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "range rows")
	}

	sortRowsByAddress(out)
	logrus.Debugf("prefix %q: fetched %d rows", prefix, len(out))

	return out, nil
}

// sortRowsByAddress orders rows by numeric start; unparsable starts sort
// first and are left for the resolver to reject.
func sortRowsByAddress(rows []resolver.RangeRow) {
	keys := make(map[string]uint64, len(rows))
	for _, row := range rows {
		if ip, err := resolver.ParseAddress(row.Start); err == nil {
			keys[row.Start] = uint64(ip) + 1
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return keys[rows[i].Start] < keys[rows[j].Start]
	})
}

// stripLikeWildcards drops LIKE pattern characters from a prefix.
func stripLikeWildcards(s string) string {
	return likeWildcards.ReplaceAllString(s, "")
}

var likeWildcards = regexp.MustCompile(`[%_\\]`)
