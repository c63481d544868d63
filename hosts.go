package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"rircc/resolver"
)

// HostStore reads the hosts table (ip_addr, country_code) for addresses that
// have no country code yet.
type HostStore struct {
	db      *sql.DB
	table   string
	dialect sqlDialect
}

func NewHostStore(db *sql.DB, driver string, table string) (*HostStore, error) {
	dialect, ok := sqlDrivers[driver]
	if !ok {
		return nil, errors.Errorf("unknown sql driver %q", driver)
	}
	if !validTableName.MatchString(table) {
		return nil, errors.Errorf("invalid table name %q", table)
	}
	return &HostStore{db: db, table: table, dialect: dialect}, nil
}

// CreateSchema creates the hosts table if it is missing.
func (s *HostStore) CreateSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    ip_addr      VARCHAR(15) NOT NULL PRIMARY KEY,
    country_code VARCHAR(2)
)`, s.table))
	return errors.Wrapf(err, "unable to create table %s", s.table)
}

// InsertHosts adds hosts with a NULL country code.
func (s *HostStore) InsertHosts(ctx context.Context, hosts []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "unable to begin transaction")
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (ip_addr) VALUES (%s)", s.table, s.dialect.placeholder(1)))
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, "unable to prepare insert")
	}
	defer stmt.Close()

	for _, host := range hosts {
		if _, err := stmt.ExecContext(ctx, host); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "unable to insert %s", host)
		}
	}

	return errors.Wrap(tx.Commit(), "unable to commit")
}

// FetchHostsWithoutCountry returns up to limit hosts whose country code is
// NULL, in numeric address order. The text is returned as stored so it can be
// matched again by the update statements.
func (s *HostStore) FetchHostsWithoutCountry(ctx context.Context, limit int) ([]string, error) {
	query := fmt.Sprintf("SELECT ip_addr FROM %s WHERE country_code IS NULL", s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to query %s", s.table)
	}
	defer rows.Close()

	type keyed struct {
		host string
		key  uint32
	}
	list := make([]keyed, 0)
	for rows.Next() {
		var host string
		if err := rows.Scan(&host); err != nil {
			return nil, errors.Wrap(err, "unable to scan host row")
		}
		key, err := resolver.ParseAddress(host)
		if err != nil {
			logrus.Warnf("skipping %q: %v", host, err)
			continue
		}
		list = append(list, keyed{host: host, key: key})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "host rows")
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].key < list[j].key
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	out := make([]string, len(list))
	for i, k := range list {
		out[i] = k.host
	}
	logrus.Debugf("%s: %d hosts without country code", s.table, len(out))

	return out, nil
}

// AnnotateHostsWithoutCountry resolves the first limit hosts that have no
// country code yet. A nil result means there was nothing to resolve.
func AnnotateHostsWithoutCountry(ctx context.Context, store *HostStore, r *resolver.Resolver, limit int, workers int) (*AnnotateResult, error) {
	ips, err := store.FetchHostsWithoutCountry(ctx, limit)
	if err != nil {
		return nil, err
	}
	logrus.Infof("target_ip_list.size: %d", len(ips))
	if len(ips) == 0 {
		return nil, nil
	}

	return Annotate(ctx, r, ips, workers)
}

func quoteSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// updateSQLLines renders one UPDATE statement per host.
func updateSQLLines(table string, hosts []HostLabel) []string {
	lines := make([]string, len(hosts))
	for i, h := range hosts {
		lines[i] = fmt.Sprintf("UPDATE %s SET country_code='%s' WHERE ip_addr='%s';",
			table, quoteSQLString(h.Label), quoteSQLString(h.Host))
	}
	return lines
}

// SaveUpdateSQL writes upd_ip_cc_<date>.sql into dir. Nothing is written
// when hosts is empty, and the returned path is then empty.
func SaveUpdateSQL(dir string, day time.Time, table string, hosts []HostLabel) (string, error) {
	if len(hosts) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "unable to create %s", dir)
	}

	name := filepath.Join(dir, fmt.Sprintf("upd_ip_cc_%s.sql", day.Format("2006-01-02")))
	if err := writeTextLines(name, updateSQLLines(table, hosts)); err != nil {
		return "", err
	}
	logrus.Infof("Saved: %s", name)

	return name, nil
}
