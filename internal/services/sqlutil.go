package services

import (
	"context"
	"database/sql"
	"strings"
)

// Execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx. Loaders take an
// Execer so session settings such as FOREIGN_KEY_CHECKS can be pinned to a
// single connection.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// quoteIdent returns a MySQL-quoted identifier with embedded backticks escaped.
func quoteIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func quoteJoinIdents(cols []string) string {
	q := make([]string, len(cols))
	for i, c := range cols {
		q[i] = quoteIdent(c)
	}
	return strings.Join(q, ", ")
}

// quoteLiteral returns a single-quoted SQL string literal for queries sent
// through the dump API, which takes raw SQL text.
func quoteLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// placeholders returns "(?, ?, ?)" for n columns.
func placeholders(n int) string {
	if n <= 0 {
		return "()"
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

// Session is a connection pinned for the length of a restore step.
type Session interface {
	Execer
	Close() error
}

// SessionProvider hands out pinned sessions.
type SessionProvider interface {
	Session(ctx context.Context) (Session, error)
}

// DBSessions pins sessions to single connections of a *sql.DB pool.
type DBSessions struct {
	DB *sql.DB
}

func (s DBSessions) Session(ctx context.Context) (Session, error) {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return nil, &DataSourceError{Op: "acquire connection", Err: err}
	}
	return conn, nil
}
