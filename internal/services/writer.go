package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"db-dump-restore/internal/models"

	"go.uber.org/zap"
)

const DefaultBatchSize = 20

// Load statuses recorded on models.LoadResult.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
	StatusEmpty   = "empty"
	StatusMissing = "missing"
)

// BulkWriter persists row records into a single table, either by per-record
// upsert or by wiping the table and inserting in fixed-size batches.
type BulkWriter struct {
	batchSize int
	logger    *zap.Logger
}

func NewBulkWriter(batchSize int, logger *zap.Logger) *BulkWriter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BulkWriter{
		batchSize: batchSize,
		logger:    logger.Named("writer"),
	}
}

func (w *BulkWriter) BatchSize() int { return w.batchSize }

// Load dispatches to Upsert or Replace.
func (w *BulkWriter) Load(ctx context.Context, exec Execer, table string, schema *models.TableSchema, rows []models.Row, mode models.LoadMode) (models.LoadResult, error) {
	if mode == models.LoadModeReplace {
		return w.Replace(ctx, exec, table, schema, rows)
	}
	return w.Upsert(ctx, exec, table, schema, rows)
}

// Upsert inserts every record, overwriting all non-key columns when the primary
// key already exists. Records rejected for a missing foreign key target or a
// duplicate unique key are counted and skipped; any other error stops the load.
func (w *BulkWriter) Upsert(ctx context.Context, exec Execer, table string, schema *models.TableSchema, rows []models.Row) (result models.LoadResult, err error) {
	start := time.Now()
	result = models.LoadResult{TableName: table, Mode: models.LoadModeUpsert, Read: len(rows)}
	defer func() { result.Duration = time.Since(start) }()

	if len(rows) == 0 {
		result.Status = StatusEmpty
		return result, nil
	}

	log := w.logger.With(zap.String("table", table))
	cols := columnsFor(schema, rows)
	if len(cols) == 0 {
		return noColumns(log, result)
	}
	query := upsertQuery(table, cols, keyColumns(schema, cols))

	for i, row := range rows {
		if !hasAnyColumn(row, cols) {
			result.Lost++
			log.Warn("Skipped row without known columns", zap.Int("row", i))
			continue
		}
		_, err = exec.ExecContext(ctx, query, rowValues(row, cols)...)
		if err == nil {
			result.Inserted++
			continue
		}

		var conflict *RowConflictError
		if errors.As(classifyRowError(table, err), &conflict) {
			switch conflict.Kind {
			case ForeignKeyViolation:
				result.SkippedFK++
				log.Warn("Skipped row (FK constraint)", zap.Int("row", i), zap.Any("key", keyValues(row, schema, cols)), zap.Error(err))
			case DuplicateKey:
				result.SkippedDuplicate++
				log.Warn("Skipped row (duplicate key)", zap.Int("row", i), zap.Any("key", keyValues(row, schema, cols)), zap.Error(err))
			}
			continue
		}

		result.Status = StatusFailed
		result.ErrorMessage = err.Error()
		log.Error("Upsert aborted", zap.Int("row", i), zap.Error(err))
		return result, fmt.Errorf("upsert %s row %d: %w", table, i, err)
	}

	result.Status = StatusSuccess
	if result.Lost > 0 {
		result.Status = StatusPartial
	}
	log.Info("Upsert finished",
		zap.Int("inserted", result.Inserted),
		zap.Int("lost", result.Lost),
		zap.Int("skipped_duplicate", result.SkippedDuplicate),
		zap.Int("skipped_fk", result.SkippedFK))
	return result, nil
}

// Replace deletes every row of the table and inserts the records in batches.
// A failed batch is logged with its row range and counted as lost; later
// batches still run. Failed batches are returned joined as *BatchFailure errors.
func (w *BulkWriter) Replace(ctx context.Context, exec Execer, table string, schema *models.TableSchema, rows []models.Row) (result models.LoadResult, err error) {
	start := time.Now()
	result = models.LoadResult{TableName: table, Mode: models.LoadModeReplace, Read: len(rows)}
	defer func() { result.Duration = time.Since(start) }()

	log := w.logger.With(zap.String("table", table))

	if _, err = exec.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(table))); err != nil {
		result.Status = StatusFailed
		result.ErrorMessage = err.Error()
		result.Lost = len(rows)
		return result, &DataSourceError{Op: "delete from " + table, Err: err}
	}

	if len(rows) == 0 {
		result.Status = StatusEmpty
		return result, nil
	}

	cols := columnsFor(schema, rows)
	if len(cols) == 0 {
		return noColumns(log, result)
	}
	writable := make([]models.Row, 0, len(rows))
	for i, row := range rows {
		if !hasAnyColumn(row, cols) {
			result.Lost++
			log.Warn("Skipped row without known columns", zap.Int("row", i))
			continue
		}
		writable = append(writable, row)
	}
	rows = writable

	var failures []error
	for lo := 0; lo < len(rows); lo += w.batchSize {
		hi := lo + w.batchSize
		if hi > len(rows) {
			hi = len(rows)
		}
		batch := rows[lo:hi]

		args := make([]interface{}, 0, len(batch)*len(cols))
		for _, row := range batch {
			args = append(args, rowValues(row, cols)...)
		}
		if _, execErr := exec.ExecContext(ctx, insertQuery(table, cols, len(batch)), args...); execErr != nil {
			failures = append(failures, &BatchFailure{Table: table, Start: lo, End: hi, Err: execErr})
			result.Lost += len(batch)
			log.Error("Batch insert failed", zap.Int("from", lo), zap.Int("to", hi), zap.Error(failures[len(failures)-1]))
			continue
		}
		result.Inserted += len(batch)
	}

	switch {
	case len(failures) == 0 && result.Lost == 0:
		result.Status = StatusSuccess
	case result.Inserted == 0:
		result.Status = StatusFailed
	default:
		result.Status = StatusPartial
	}

	log.Info("Replace finished", zap.Int("inserted", result.Inserted), zap.Int("lost", result.Lost))
	if len(failures) > 0 {
		err = errors.Join(failures...)
		result.ErrorMessage = err.Error()
		return result, err
	}
	return result, nil
}

// LoadSelfReferencing loads a table whose rows point at other rows of the same
// table. Pass one writes every row with all self-referencing columns nulled,
// pass two restores each column once all target rows exist, so input order
// does not matter. Every reference must name the same table.
func (w *BulkWriter) LoadSelfReferencing(ctx context.Context, exec Execer, refs []models.SelfReference, schema *models.TableSchema, rows []models.Row, mode models.LoadMode) (result models.LoadResult, err error) {
	if len(refs) == 0 {
		return result, errors.New("no self references given")
	}
	table := refs[0].Table
	for _, ref := range refs[1:] {
		if ref.Table != table {
			return result, fmt.Errorf("self references span tables %s and %s", table, ref.Table)
		}
	}

	start := time.Now()
	log := w.logger.With(zap.String("table", table))

	nulled := make(map[string]bool, len(refs))
	for _, ref := range refs {
		nulled[strings.ToLower(ref.Column)] = true
	}
	firstPass := make([]models.Row, len(rows))
	for i, row := range rows {
		cp := make(models.Row, len(row))
		for k, v := range row {
			if nulled[strings.ToLower(k)] {
				v = nil
			}
			cp[k] = v
		}
		firstPass[i] = cp
	}

	defer func() { result.Duration = time.Since(start) }()

	result, err = w.Load(ctx, exec, table, schema, firstPass, mode)
	if err != nil && result.Status == StatusFailed {
		return result, err
	}
	passErr := err

	for _, ref := range refs {
		if err := w.restoreSelfReference(ctx, exec, ref, schema, rows, &result, log); err != nil {
			return result, err
		}
	}
	return result, passErr
}

// restoreSelfReference issues one UPDATE per row carrying a value in ref.Column.
func (w *BulkWriter) restoreSelfReference(ctx context.Context, exec Execer, ref models.SelfReference, schema *models.TableSchema, rows []models.Row, result *models.LoadResult, log *zap.Logger) error {
	column, key := ref.Column, ref.Key
	if key == "" {
		key = "id"
	}
	if schema != nil {
		if c, ok := schema.Column(column); ok {
			column = c.ColumnName
		}
		if c, ok := schema.Column(key); ok {
			key = c.ColumnName
		}
	}
	query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", quoteIdent(ref.Table), quoteIdent(column), quoteIdent(key))

	updated := 0
	for i, row := range rows {
		target, _ := lookup(row, column)
		if target == nil {
			continue
		}
		id, _ := lookup(row, key)
		_, err := exec.ExecContext(ctx, query, target, id)
		if err == nil {
			updated++
			continue
		}
		var conflict *RowConflictError
		if errors.As(classifyRowError(ref.Table, err), &conflict) && conflict.Kind == ForeignKeyViolation {
			result.SkippedFK++
			log.Warn("Skipped self reference (FK constraint)", zap.String("column", column), zap.Int("row", i), zap.Any("key", id), zap.Error(err))
			continue
		}
		result.Updated += updated
		result.Status = StatusFailed
		result.ErrorMessage = err.Error()
		return fmt.Errorf("update %s.%s for row %d: %w", ref.Table, column, i, err)
	}
	result.Updated += updated

	log.Info("Self references restored", zap.String("column", column), zap.Int("updated", updated))
	return nil
}

// columnsFor picks the columns to write from the first record that has any:
// the schema's columns present in it, in ordinal order, or without a schema its
// keys sorted. It returns nil when no record carries a known column.
func columnsFor(schema *models.TableSchema, rows []models.Row) []string {
	for _, row := range rows {
		if cols := rowColumns(schema, row); len(cols) > 0 {
			return cols
		}
	}
	return nil
}

func rowColumns(schema *models.TableSchema, row models.Row) []string {
	if schema != nil && len(schema.Columns) > 0 {
		var cols []string
		for _, c := range schema.Columns {
			if _, ok := lookup(row, c.ColumnName); ok {
				cols = append(cols, c.ColumnName)
			}
		}
		return cols
	}
	cols := make([]string, 0, len(row))
	for k := range row {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func hasAnyColumn(row models.Row, cols []string) bool {
	for _, c := range cols {
		if _, ok := lookup(row, c); ok {
			return true
		}
	}
	return false
}

// noColumns fails a load whose records match no column of the table.
func noColumns(log *zap.Logger, result models.LoadResult) (models.LoadResult, error) {
	err := fmt.Errorf("%s: %w", result.TableName, ErrNoColumns)
	result.Status = StatusFailed
	result.Lost = result.Read
	result.ErrorMessage = err.Error()
	log.Error("No writable columns in dump", zap.Int("rows", result.Read))
	return result, err
}

func keyColumns(schema *models.TableSchema, cols []string) []string {
	if schema != nil && len(schema.PrimaryKey) > 0 {
		return schema.PrimaryKey
	}
	for _, c := range cols {
		if strings.EqualFold(c, "id") {
			return []string{c}
		}
	}
	return nil
}

func upsertQuery(table string, cols, keys []string) string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[strings.ToLower(k)] = true
	}

	var updates []string
	for _, c := range cols {
		if isKey[strings.ToLower(c)] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", quoteIdent(c), quoteIdent(c)))
	}
	if len(updates) == 0 {
		// every written column is part of the key; keep the existing row
		updates = append(updates, fmt.Sprintf("%s = %s", quoteIdent(cols[0]), quoteIdent(cols[0])))
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON DUPLICATE KEY UPDATE %s",
		quoteIdent(table),
		quoteJoinIdents(cols),
		placeholders(len(cols)),
		strings.Join(updates, ", "),
	)
}

func insertQuery(table string, cols []string, rows int) string {
	values := make([]string, rows)
	p := placeholders(len(cols))
	for i := range values {
		values[i] = p
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		quoteIdent(table),
		quoteJoinIdents(cols),
		strings.Join(values, ", "),
	)
}

func rowValues(row models.Row, cols []string) []interface{} {
	values := make([]interface{}, len(cols))
	for i, c := range cols {
		values[i], _ = lookup(row, c)
	}
	return values
}

func keyValues(row models.Row, schema *models.TableSchema, cols []string) map[string]interface{} {
	out := make(map[string]interface{})
	for _, k := range keyColumns(schema, cols) {
		out[k], _ = lookup(row, k)
	}
	return out
}

// lookup finds a column value, trying the exact name before a case-insensitive match.
func lookup(row models.Row, col string) (interface{}, bool) {
	if v, ok := row[col]; ok {
		return v, true
	}
	for k, v := range row {
		if strings.EqualFold(k, col) {
			return v, true
		}
	}
	return nil, false
}
