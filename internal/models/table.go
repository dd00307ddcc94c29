package models

import (
	"strings"
	"time"
)

type ColumnInfo struct {
	ColumnName    string  `json:"column_name"`
	DataType      string  `json:"data_type"`
	ColumnType    string  `json:"column_type"`
	IsNullable    string  `json:"is_nullable"`
	ColumnKey     string  `json:"column_key"`
	ColumnDefault *string `json:"column_default"`
	Extra         string  `json:"extra"`
}

func (c ColumnInfo) Nullable() bool {
	return strings.EqualFold(c.IsNullable, "YES")
}

// TableSchema is the per-table descriptor handed to the loaders. Columns keep
// their ordinal order.
type TableSchema struct {
	Name       string       `json:"name"`
	Columns    []ColumnInfo `json:"columns"`
	PrimaryKey []string     `json:"primary_key"`
}

// Column looks a column up case-insensitively.
func (s *TableSchema) Column(name string) (ColumnInfo, bool) {
	if s == nil {
		return ColumnInfo{}, false
	}
	for _, c := range s.Columns {
		if strings.EqualFold(c.ColumnName, name) {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

func (s *TableSchema) ColumnNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		names = append(names, c.ColumnName)
	}
	return names
}

// Row is one record read from a dump file, keyed by column name.
type Row map[string]interface{}

type LoadMode string

const (
	LoadModeUpsert  LoadMode = "upsert"
	LoadModeReplace LoadMode = "replace"
)

func ParseLoadMode(s string) (LoadMode, bool) {
	switch LoadMode(strings.ToLower(strings.TrimSpace(s))) {
	case LoadModeUpsert:
		return LoadModeUpsert, true
	case LoadModeReplace:
		return LoadModeReplace, true
	}
	return "", false
}

// LoadResult holds the per-table counters reported after a load.
type LoadResult struct {
	TableName        string        `json:"table_name"`
	Mode             LoadMode      `json:"mode"`
	Read             int           `json:"read"`
	Inserted         int           `json:"inserted"`
	Updated          int           `json:"updated"`
	SkippedDuplicate int           `json:"skipped_duplicate"`
	SkippedFK        int           `json:"skipped_fk"`
	Lost             int           `json:"lost"`
	Verified         bool          `json:"verified"`
	RowsAfter        int64         `json:"rows_after"`
	Duration         time.Duration `json:"duration"`
	Status           string        `json:"status"`
	ErrorMessage     string        `json:"error_message,omitempty"`
}
