package services

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"db-dump-restore/internal/models"

	"github.com/shopspring/decimal"
)

func priceSchema() *models.TableSchema {
	return &models.TableSchema{
		Name: "price",
		Columns: []models.ColumnInfo{
			{ColumnName: "id", DataType: "int", ColumnKey: "PRI"},
			{ColumnName: "modelId", DataType: "int", IsNullable: "YES"},
			{ColumnName: "onRoadPrice", DataType: "decimal", IsNullable: "YES"},
			{ColumnName: "productType", DataType: "varchar", IsNullable: "YES"},
			{ColumnName: "meta", DataType: "json", IsNullable: "YES"},
			{ColumnName: "createdAt", DataType: "datetime"},
		},
		PrimaryKey: []string{"id"},
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestDumpReader_ArrayForm(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "price_dump.json", `[
  {"id": 7, "modelid": 12, "onroadprice": 104500.55, "producttype": "bike",
   "meta": {"source": "dev"}, "createdat": "2025-05-30T21:10:41Z", "unknowncol": 1}
]`)

	r := NewDumpReader(dir, time.UTC)
	rows, found, err := r.ReadTable("price", priceSchema())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected dump to be found")
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]

	if _, ok := row["unknowncol"]; ok {
		t.Error("expected unknown column to be dropped")
	}
	if got, ok := row["modelId"].(int64); !ok || got != 12 {
		t.Errorf("modelId = %#v, want int64 12", row["modelId"])
	}
	d, ok := row["onRoadPrice"].(decimal.Decimal)
	if !ok || !d.Equal(decimal.RequireFromString("104500.55")) {
		t.Errorf("onRoadPrice = %#v, want decimal 104500.55", row["onRoadPrice"])
	}
	if row["productType"] != "bike" {
		t.Errorf("productType = %#v", row["productType"])
	}
	if row["meta"] != `{"source":"dev"}` {
		t.Errorf("meta = %#v", row["meta"])
	}
	if row["createdAt"] != "2025-05-30 21:10:41" {
		t.Errorf("createdAt = %#v", row["createdAt"])
	}
}

func TestDumpReader_DataEnvelopeAndFallbackName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "state.json", `{"data": [{"ID": 1, "Name": "Goa"}, {"id": 2, "name": "Kerala"}]}`)
	schema := &models.TableSchema{
		Name: "state",
		Columns: []models.ColumnInfo{
			{ColumnName: "id", DataType: "int"},
			{ColumnName: "name", DataType: "varchar"},
		},
	}

	rows, found, err := NewDumpReader(dir, time.UTC).ReadTable("state", schema)
	if err != nil || !found {
		t.Fatalf("found=%v err=%v", found, err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["name"] != "Goa" || rows[1]["id"] != int64(2) {
		t.Errorf("unexpected rows: %#v", rows)
	}
}

func TestDumpReader_Missing(t *testing.T) {
	rows, found, err := NewDumpReader(t.TempDir(), time.UTC).ReadTable("ghost", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found || rows != nil {
		t.Errorf("expected no rows for missing dump, got found=%v rows=%v", found, rows)
	}
}

func TestDumpReader_Invalid(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "bad.json", `{"rows": []}`)
	_, err := NewDumpReader(dir, time.UTC).ReadFile(p, nil)
	if err == nil {
		t.Fatal("expected error for object without data array")
	}
	var dse *DataSourceError
	if !errors.As(err, &dse) {
		t.Errorf("expected DataSourceError, got %T", err)
	}
}

func TestDumpReader_NoSchemaKeepsKeys(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "x.json", `[{"nextModelId": null, "Tags": ["a", "b"], "isActive": true}]`)
	rows, err := NewDumpReader(dir, time.UTC).ReadFile(p, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row := rows[0]
	if v, ok := row["nextModelId"]; !ok || v != nil {
		t.Errorf("nextModelId = %#v", v)
	}
	if row["Tags"] != `["a","b"]` {
		t.Errorf("Tags = %#v", row["Tags"])
	}
	if row["isActive"] != true {
		t.Errorf("isActive = %#v", row["isActive"])
	}
}

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		in       string
		dataType string
		want     interface{}
	}{
		{"42", "int", int64(42)},
		{"-7", "bigint", int64(-7)},
		{"18446744073709551615", "bigint", uint64(18446744073709551615)},
		{"9223372036854775808", "bigint", uint64(9223372036854775808)},
		{"123456789012345678901234567890", "bigint", "123456789012345678901234567890"},
		{"18446744073709551615", "", uint64(18446744073709551615)},
		{"123456789012345678901234567890", "", "123456789012345678901234567890"},
		{"1.5", "double", 1.5},
		{"1.5e3", "", 1500.0},
		{"7", "varchar", "7"},
	}
	for _, tt := range tests {
		got := normalizeNumber(json.Number(tt.in), tt.dataType)
		if got != tt.want {
			t.Errorf("normalizeNumber(%s, %q) = %#v, want %#v", tt.in, tt.dataType, got, tt.want)
		}
	}
}

func TestIsoToMySQL(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	tests := []struct {
		in     string
		loc    *time.Location
		layout string
		want   string
	}{
		{"2025-05-30T21:10:41+05:30", time.UTC, mysqlDateTimeLayout, "2025-05-30 15:40:41"},
		{"2025-05-30T15:40:41.123Z", ist, mysqlDateTimeLayout, "2025-05-30 21:10:41"},
		{"2025-05-30 10:00:00", time.UTC, mysqlDateTimeLayout, "2025-05-30 10:00:00"},
		{"2025-05-30T10:00:00Z", time.UTC, "2006-01-02", "2025-05-30"},
		{"not a date", time.UTC, mysqlDateTimeLayout, "not a date"},
	}
	for _, tt := range tests {
		if got := isoToMySQL(tt.in, tt.loc, tt.layout); got != tt.want {
			t.Errorf("isoToMySQL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteDump_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "nested", "city_dump.json")
	in := []models.Row{{"id": 1, "name": "Panaji"}}
	if err := WriteDump(p, in); err != nil {
		t.Fatalf("WriteDump: %v", err)
	}
	rows, err := NewDumpReader(dir, time.UTC).ReadFile(p, nil)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Panaji" || rows[0]["id"] != int64(1) {
		t.Errorf("unexpected rows %#v", rows)
	}
}
