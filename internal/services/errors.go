package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrDataSource marks failures reaching or querying the catalog or table data.
	ErrDataSource = errors.New("data source error")

	// ErrCycleDetected marks dependency graphs with no valid topological order.
	ErrCycleDetected = errors.New("foreign key cycle detected")

	// ErrOrderInvalid is returned when strict validation rejects the curated order.
	ErrOrderInvalid = errors.New("insert order violates foreign keys")
)

// MySQL server error numbers handled per record.
const (
	mysqlErrDupEntry         = 1062
	mysqlErrNoReferencedRow  = 1216
	mysqlErrNoReferencedRow2 = 1452
)

type DataSourceError struct {
	Op  string
	Err error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

func (e *DataSourceError) Is(target error) bool { return target == ErrDataSource }

// CycleDetectedError lists the tables left over once no zero in-degree table remains.
type CycleDetectedError struct {
	Residual []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("foreign key cycle detected among tables: %s", strings.Join(e.Residual, ", "))
}

func (e *CycleDetectedError) Is(target error) bool { return target == ErrCycleDetected }

type ConflictKind string

const (
	ForeignKeyViolation ConflictKind = "foreign_key"
	DuplicateKey        ConflictKind = "duplicate_key"
)

// RowConflictError is a per-record failure that the writers count and skip.
type RowConflictError struct {
	Kind  ConflictKind
	Table string
	Err   error
}

func (e *RowConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %s: %v", e.Kind, e.Table, e.Err)
}

func (e *RowConflictError) Unwrap() error { return e.Err }

// BatchFailure reports a chunk of inserts that failed as a whole.
// Start is inclusive, End exclusive.
type BatchFailure struct {
	Table string
	Start int
	End   int
	Err   error
}

func (e *BatchFailure) Error() string {
	return fmt.Sprintf("batch %d-%d of %s failed: %v", e.Start, e.End, e.Table, e.Err)
}

func (e *BatchFailure) Unwrap() error { return e.Err }

// Violation is one edge that the curated order places the wrong way round.
type Violation struct {
	Dependent          string `json:"dependent"`
	Referenced         string `json:"referenced"`
	DependentPosition  int    `json:"dependent_position"`
	ReferencedPosition int    `json:"referenced_position"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s (position %d) comes before its dependency %s (position %d)",
		v.Dependent, v.DependentPosition, v.Referenced, v.ReferencedPosition)
}

// classifyRowError turns recoverable MySQL errors into a RowConflictError.
// Any other error is returned untouched.
func classifyRowError(table string, err error) error {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return err
	}
	switch me.Number {
	case mysqlErrNoReferencedRow, mysqlErrNoReferencedRow2:
		return &RowConflictError{Kind: ForeignKeyViolation, Table: table, Err: err}
	case mysqlErrDupEntry:
		return &RowConflictError{Kind: DuplicateKey, Table: table, Err: err}
	}
	return err
}
