package services

import (
	"context"
	"database/sql"
	"db-dump-restore/internal/models"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const catalogTimeout = 10 * time.Second

// SchemaService reads table, column and foreign key metadata from
// information_schema of the target database.
type SchemaService struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewSchemaService(db *sql.DB, logger *zap.Logger) *SchemaService {
	return &SchemaService{
		db:     db,
		logger: logger.Named("schema"),
	}
}

// FetchForeignKeys returns every foreign key column of the schema. An empty
// schema name means the connection's current database.
func (s *SchemaService) FetchForeignKeys(ctx context.Context, schema string) ([]models.ForeignKey, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()

	query := `SELECT
	            kcu.TABLE_NAME,
	            kcu.COLUMN_NAME,
	            kcu.REFERENCED_TABLE_NAME,
	            kcu.REFERENCED_COLUMN_NAME,
	            kcu.CONSTRAINT_NAME
	          FROM information_schema.KEY_COLUMN_USAGE kcu
	          WHERE kcu.TABLE_SCHEMA = COALESCE(NULLIF(?, ''), DATABASE())
	          AND kcu.REFERENCED_TABLE_NAME IS NOT NULL
	          ORDER BY kcu.TABLE_NAME, kcu.CONSTRAINT_NAME, kcu.ORDINAL_POSITION`

	rows, err := s.db.QueryContext(ctx, query, schema)
	if err != nil {
		return nil, &DataSourceError{Op: "fetch foreign keys", Err: err}
	}
	defer rows.Close()

	var fks []models.ForeignKey
	for rows.Next() {
		var fk models.ForeignKey
		err := rows.Scan(
			&fk.TableName,
			&fk.ColumnName,
			&fk.ReferencedTableName,
			&fk.ReferencedColumnName,
			&fk.ConstraintName,
		)
		if err != nil {
			return nil, &DataSourceError{Op: "scan foreign key", Err: err}
		}
		fks = append(fks, fk)
	}
	if err := rows.Err(); err != nil {
		return nil, &DataSourceError{Op: "fetch foreign keys", Err: err}
	}

	s.logger.Debug("Fetched foreign keys", zap.String("schema", schema), zap.Int("count", len(fks)))
	return fks, nil
}

// FetchDependencies returns the deduplicated (dependent, referenced) pairs of
// the schema. No rows means no known dependencies.
func (s *SchemaService) FetchDependencies(ctx context.Context, schema string) ([]models.Edge, error) {
	fks, err := s.FetchForeignKeys(ctx, schema)
	if err != nil {
		return nil, err
	}
	return EdgesFromForeignKeys(fks), nil
}

func EdgesFromForeignKeys(fks []models.ForeignKey) []models.Edge {
	edges := make([]models.Edge, 0, len(fks))
	for _, fk := range fks {
		edges = append(edges, models.Edge{Dependent: fk.TableName, Referenced: fk.ReferencedTableName})
	}
	return DedupEdges(edges)
}

// SelfReferences lists the single-column foreign keys pointing back at their
// own table.
func SelfReferences(fks []models.ForeignKey) []models.SelfReference {
	var refs []models.SelfReference
	seen := make(map[models.SelfReference]bool)
	for _, fk := range fks {
		if fk.TableName != fk.ReferencedTableName {
			continue
		}
		ref := models.SelfReference{Table: fk.TableName, Column: fk.ColumnName, Key: fk.ReferencedColumnName}
		if seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}

func (s *SchemaService) GetAllTables(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()

	query := `SELECT TABLE_NAME
	          FROM information_schema.TABLES
	          WHERE TABLE_SCHEMA = DATABASE()
	          AND TABLE_TYPE = 'BASE TABLE'
	          ORDER BY TABLE_NAME`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &DataSourceError{Op: "list tables", Err: err}
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, &DataSourceError{Op: "scan table name", Err: err}
		}
		tables = append(tables, tableName)
	}
	if err := rows.Err(); err != nil {
		return nil, &DataSourceError{Op: "list tables", Err: err}
	}
	return tables, nil
}

// GetTableSchema describes a table's columns in ordinal order together with its
// primary key. A table without columns is reported as not found.
func (s *SchemaService) GetTableSchema(ctx context.Context, tableName string) (*models.TableSchema, error) {
	ctx, cancel := context.WithTimeout(ctx, catalogTimeout)
	defer cancel()

	query := `SELECT
	            COLUMN_NAME,
	            DATA_TYPE,
	            COLUMN_TYPE,
	            IS_NULLABLE,
	            COLUMN_KEY,
	            COLUMN_DEFAULT,
	            EXTRA
	          FROM information_schema.COLUMNS
	          WHERE TABLE_SCHEMA = DATABASE()
	          AND TABLE_NAME = ?
	          ORDER BY ORDINAL_POSITION`

	rows, err := s.db.QueryContext(ctx, query, tableName)
	if err != nil {
		return nil, &DataSourceError{Op: "get table schema " + tableName, Err: err}
	}
	defer rows.Close()

	schema := &models.TableSchema{Name: tableName}
	for rows.Next() {
		var col models.ColumnInfo
		err := rows.Scan(
			&col.ColumnName,
			&col.DataType,
			&col.ColumnType,
			&col.IsNullable,
			&col.ColumnKey,
			&col.ColumnDefault,
			&col.Extra,
		)
		if err != nil {
			return nil, &DataSourceError{Op: "scan column of " + tableName, Err: err}
		}
		schema.Columns = append(schema.Columns, col)
		if strings.EqualFold(col.ColumnKey, "PRI") {
			schema.PrimaryKey = append(schema.PrimaryKey, col.ColumnName)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &DataSourceError{Op: "get table schema " + tableName, Err: err}
	}
	if len(schema.Columns) == 0 {
		return nil, &DataSourceError{Op: "get table schema", Err: fmt.Errorf("table %s not found", tableName)}
	}
	return schema, nil
}

func (s *SchemaService) CountRows(ctx context.Context, tableName string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(tableName))
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, &DataSourceError{Op: "count rows of " + tableName, Err: err}
	}
	return count, nil
}
