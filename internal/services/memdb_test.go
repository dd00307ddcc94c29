package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
)

// memDB is an in-memory stand-in for the handful of statements the loaders
// issue. Rows are keyed by their "id" column and foreign keys are enforced
// unless FOREIGN_KEY_CHECKS is switched off.
type memDB struct {
	mu       sync.Mutex
	tables   map[string]map[string]map[string]interface{}
	fks      []memFK
	fkChecks bool
	failOn   map[string]error // table -> error returned for its inserts
	stmts    []string
}

type memFK struct {
	table, column, refTable string
}

var (
	reSetFK  = regexp.MustCompile("^SET FOREIGN_KEY_CHECKS = ([01])$")
	reDelete = regexp.MustCompile("^DELETE FROM `([^`]+)`$")
	reInsert = regexp.MustCompile("^INSERT INTO `([^`]+)` \\(([^)]*)\\) VALUES .*?( ON DUPLICATE KEY UPDATE .*)?$")
	reUpdate = regexp.MustCompile("^UPDATE `([^`]+)` SET `([^`]+)` = \\? WHERE `([^`]+)` = \\?$")
)

func newMemDB(tables ...string) *memDB {
	m := &memDB{
		tables:   make(map[string]map[string]map[string]interface{}),
		fkChecks: true,
		failOn:   make(map[string]error),
	}
	for _, t := range tables {
		m.tables[t] = make(map[string]map[string]interface{})
	}
	return m
}

func (m *memDB) addFK(table, column, refTable string) {
	m.fks = append(m.fks, memFK{table: table, column: column, refTable: refTable})
}

func (m *memDB) Session(ctx context.Context) (Session, error) { return m, nil }

func (m *memDB) Close() error { return nil }

func (m *memDB) count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

func (m *memDB) get(table string, id interface{}) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[table][keyOf(id)]
}

func (m *memDB) put(table string, row map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table][keyOf(row["id"])] = row
}

func keyOf(v interface{}) string { return fmt.Sprint(v) }

func (m *memDB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stmts = append(m.stmts, query)

	if g := reSetFK.FindStringSubmatch(query); g != nil {
		m.fkChecks = g[1] == "1"
		return driver.RowsAffected(0), nil
	}
	if g := reDelete.FindStringSubmatch(query); g != nil {
		n := len(m.tables[g[1]])
		m.tables[g[1]] = make(map[string]map[string]interface{})
		return driver.RowsAffected(n), nil
	}
	if g := reUpdate.FindStringSubmatch(query); g != nil {
		table, col, key := g[1], g[2], g[3]
		if key != "id" {
			return nil, fmt.Errorf("memdb only keys on id")
		}
		row, ok := m.tables[table][keyOf(args[1])]
		if !ok {
			return driver.RowsAffected(0), nil
		}
		if err := m.checkFK(table, map[string]interface{}{col: args[0]}); err != nil {
			return nil, err
		}
		row[col] = args[0]
		return driver.RowsAffected(1), nil
	}
	if g := reInsert.FindStringSubmatch(query); g != nil {
		table := g[1]
		if err := m.failOn[table]; err != nil {
			return nil, err
		}
		var cols []string
		for _, c := range strings.Split(g[2], ", ") {
			cols = append(cols, strings.Trim(c, "`"))
		}
		upsert := g[3] != ""
		var staged []map[string]interface{}
		for i := 0; i+len(cols) <= len(args); i += len(cols) {
			row := make(map[string]interface{}, len(cols))
			for j, c := range cols {
				row[c] = args[i+j]
			}
			if err := m.checkFK(table, row); err != nil {
				return nil, err
			}
			if _, exists := m.tables[table][keyOf(row["id"])]; exists && !upsert {
				return nil, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
			}
			staged = append(staged, row)
		}
		for _, row := range staged {
			m.tables[table][keyOf(row["id"])] = row
		}
		return driver.RowsAffected(len(staged)), nil
	}
	return nil, fmt.Errorf("memdb: unsupported statement %q", query)
}

func (m *memDB) checkFK(table string, row map[string]interface{}) error {
	if !m.fkChecks {
		return nil
	}
	for _, fk := range m.fks {
		if fk.table != table {
			continue
		}
		v, ok := row[fk.column]
		if !ok || v == nil {
			continue
		}
		if _, exists := m.tables[fk.refTable][keyOf(v)]; !exists {
			return &mysql.MySQLError{Number: 1452, Message: "Cannot add or update a child row: a foreign key constraint fails"}
		}
	}
	return nil
}
