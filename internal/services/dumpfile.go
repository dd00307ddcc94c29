package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"db-dump-restore/internal/models"

	"github.com/shopspring/decimal"
)

const mysqlDateTimeLayout = "2006-01-02 15:04:05"

// DumpPath returns the dump file for a table, preferring <table>_dump.json
// and falling back to <table>.json. ok is false when neither exists.
func DumpPath(dir, table string) (path string, ok bool) {
	for _, name := range []string{table + "_dump.json", table + ".json"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return filepath.Join(dir, table+"_dump.json"), false
}

// DumpReader loads dump files and shapes their rows for a table schema.
type DumpReader struct {
	dir string
	loc *time.Location
}

func NewDumpReader(dir string, loc *time.Location) *DumpReader {
	if loc == nil {
		loc = time.Local
	}
	return &DumpReader{dir: dir, loc: loc}
}

func (r *DumpReader) Dir() string { return r.dir }

// ReadTable reads the dump of a table. A missing file is not an error: it
// returns no rows and found=false.
func (r *DumpReader) ReadTable(table string, schema *models.TableSchema) (rows []models.Row, found bool, err error) {
	path, ok := DumpPath(r.dir, table)
	if !ok {
		return nil, false, nil
	}
	rows, err = r.ReadFile(path, schema)
	return rows, true, err
}

// ReadFile parses a dump file holding either a JSON array of objects or an
// object with a "data" array.
func (r *DumpReader) ReadFile(path string, schema *models.TableSchema) ([]models.Row, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &DataSourceError{Op: "read dump " + path, Err: err}
	}
	raw, err := decodeDump(b)
	if err != nil {
		return nil, &DataSourceError{Op: "decode dump " + path, Err: err}
	}

	rows := make([]models.Row, 0, len(raw))
	for _, obj := range raw {
		rows = append(rows, r.shapeRow(obj, schema))
	}
	return rows, nil
}

func decodeDump(b []byte) ([]map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	var items []interface{}
	switch t := v.(type) {
	case []interface{}:
		items = t
	case map[string]interface{}:
		data, ok := t["data"].([]interface{})
		if !ok {
			return nil, errors.New(`expected an array or an object with a "data" array`)
		}
		items = data
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected top-level JSON %T", v)
	}

	out := make([]map[string]interface{}, 0, len(items))
	for i, it := range items {
		obj, ok := it.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("row %d is %T, not an object", i, it)
		}
		out = append(out, obj)
	}
	return out, nil
}

// shapeRow maps keys to the schema's column names case-insensitively, drops
// keys with no matching column and converts values to the column's type.
// Without a schema the row is kept as decoded.
func (r *DumpReader) shapeRow(obj map[string]interface{}, schema *models.TableSchema) models.Row {
	row := make(models.Row, len(obj))
	if schema == nil || len(schema.Columns) == 0 {
		for k, v := range obj {
			row[k] = normalizeValue(v, models.ColumnInfo{}, r.loc)
		}
		return row
	}
	for k, v := range obj {
		col, ok := schema.Column(k)
		if !ok {
			continue
		}
		row[col.ColumnName] = normalizeValue(v, col, r.loc)
	}
	return row
}

func normalizeValue(v interface{}, col models.ColumnInfo, loc *time.Location) interface{} {
	dataType := strings.ToLower(col.DataType)
	switch t := v.(type) {
	case nil:
		return nil
	case json.Number:
		return normalizeNumber(t, dataType)
	case string:
		switch dataType {
		case "datetime", "timestamp":
			return isoToMySQL(t, loc, mysqlDateTimeLayout)
		case "date":
			return isoToMySQL(t, loc, "2006-01-02")
		case "decimal":
			if d, err := decimal.NewFromString(t); err == nil {
				return d
			}
		}
		return t
	case bool:
		return t
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return string(b)
	}
	return v
}

func normalizeNumber(n json.Number, dataType string) interface{} {
	switch dataType {
	case "decimal":
		if d, err := decimal.NewFromString(n.String()); err == nil {
			return d
		}
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint", "year":
		if i, ok := parseInteger(n); ok {
			return i
		}
		return n.String()
	case "float", "double", "real":
		if f, err := n.Float64(); err == nil {
			return f
		}
	case "char", "varchar", "text", "tinytext", "mediumtext", "longtext", "json", "enum", "set":
		return n.String()
	}
	if i, ok := parseInteger(n); ok {
		return i
	}
	if !strings.ContainsAny(n.String(), ".eE") {
		// integer literal wider than 64 bits; pass the exact text
		return n.String()
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// parseInteger returns an int64, or a uint64 for BIGINT UNSIGNED values above
// math.MaxInt64.
func parseInteger(n json.Number) (interface{}, bool) {
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		return u, true
	}
	return nil, false
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	mysqlDateTimeLayout,
	"2006-01-02",
}

// isoToMySQL converts an ISO-8601 timestamp (zoned or not) into MySQL's
// literal form in loc. Strings that do not parse are returned as-is.
func isoToMySQL(s string, loc *time.Location, layout string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	for _, l := range isoLayouts {
		var (
			ts  time.Time
			err error
		)
		if l == time.RFC3339Nano {
			ts, err = time.Parse(l, s)
		} else {
			ts, err = time.ParseInLocation(l, s, loc)
		}
		if err == nil {
			return ts.In(loc).Format(layout)
		}
	}
	return s
}

// WriteDump writes rows as an indented JSON array, the format ReadFile accepts.
func WriteDump(path string, rows []models.Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
